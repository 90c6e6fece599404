package engine

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openpacs/qrindex/internal/match"
	"github.com/openpacs/qrindex/internal/metrics"
	"github.com/openpacs/qrindex/internal/models"
	"github.com/openpacs/qrindex/internal/store"
)

// MoveSession yields the instances matching one retrieve request, one
// sub-operation per Next call. The full match set is materialized at
// StartMove, and the session keeps its shared lock until a terminal status,
// so the pending list can never reference a slot rewritten by a concurrent
// store.
type MoveSession struct {
	engine  *Engine
	logger  zerolog.Logger
	guard   *store.Guard
	pending []int
	done    bool
}

// StartMove validates the retrieve identifier and collects every matching
// record index in index order. StatusPending means sub-operations are
// available through Next together with the initial remaining count;
// StatusSuccess means nothing matched and no session is returned.
func (e *Engine) StartMove(modelUID string, keys AttributeMap) (*MoveSession, int, models.Status, string) {
	q, status, detail := e.parseQuery(modelUID, keys, true)
	if status != models.StatusSuccess {
		metrics.MovesTotal.WithLabelValues(status.String()).Inc()
		e.logger.Warn().Str("model_uid", modelUID).Str("detail", detail).Msg("Rejected move request")
		return nil, 0, status, detail
	}

	guard, err := e.store.LockShared()
	if err != nil {
		metrics.MovesTotal.WithLabelValues(models.StatusProcessingFailure.String()).Inc()
		return nil, 0, models.StatusProcessingFailure, "failed to lock index"
	}

	s := &MoveSession{
		engine: e,
		logger: e.logger.With().Str("session_id", uuid.NewString()).Str("op", "move").Logger(),
		guard:  guard,
	}

	conv := match.NewConverter()
	_, err = e.scan(func(i int, rec *models.InstanceRecord) (bool, error) {
		ok, err := match.CompareHierarchy(rec, q, conv)
		if err != nil {
			return false, err
		}
		if ok {
			s.pending = append(s.pending, i)
		}
		return false, nil
	})
	if err != nil {
		s.teardown()
		metrics.MovesTotal.WithLabelValues(models.StatusProcessingFailure.String()).Inc()
		return nil, 0, models.StatusProcessingFailure, err.Error()
	}

	if len(s.pending) == 0 {
		s.teardown()
		metrics.MovesTotal.WithLabelValues(models.StatusSuccess.String()).Inc()
		return nil, 0, models.StatusSuccess, ""
	}

	s.logger.Debug().Str("level", q.Level.String()).Int("matches", len(s.pending)).Msg("Move session started")
	metrics.MovesTotal.WithLabelValues(models.StatusPending.String()).Inc()
	return s, len(s.pending), models.StatusPending, ""
}

// Next pops the head of the pending list and returns the instance to send
// plus the count of items remaining after it. An exhausted session returns
// StatusSuccess with no item and releases the lock.
func (s *MoveSession) Next() (*models.MoveItem, models.Status) {
	if s.done {
		return nil, models.StatusSuccess
	}
	for len(s.pending) > 0 {
		idx := s.pending[0]
		s.pending = s.pending[1:]

		rec, err := s.engine.store.ReadInstance(idx)
		if err != nil {
			s.teardown()
			return nil, models.StatusProcessingFailure
		}
		if !rec.InUse() {
			// Slot vanished under the shared lock only if the same process
			// raced its own exclusive operations; skip rather than fail.
			s.logger.Warn().Int("record", idx).Msg("Pending move record is tombstoned, skipping")
			continue
		}
		item := &models.MoveItem{
			SOPClassUID:    rec.SOPClassUID,
			SOPInstanceUID: rec.SOPInstanceUID,
			FilePath:       rec.FilePath,
			Remaining:      len(s.pending),
		}
		if len(s.pending) == 0 {
			s.teardown()
		}
		return item, models.StatusPending
	}
	s.teardown()
	return nil, models.StatusSuccess
}

// Cancel discards the remaining pending list and releases the lock. It is
// safe to call at any point after StartMove, repeatedly.
func (s *MoveSession) Cancel() models.Status {
	if !s.done {
		s.logger.Debug().Int("discarded", len(s.pending)).Msg("Move session cancelled")
	}
	s.teardown()
	return models.StatusCancel
}

func (s *MoveSession) teardown() {
	if s.done {
		return
	}
	s.done = true
	s.pending = nil
	s.guard.Release()
}
