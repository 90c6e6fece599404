package engine

import (
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openpacs/qrindex/internal/catalog"
	"github.com/openpacs/qrindex/internal/match"
	"github.com/openpacs/qrindex/internal/metrics"
	"github.com/openpacs/qrindex/internal/models"
	"github.com/openpacs/qrindex/internal/store"
)

// FindResponse is one Pending payload of a FIND session: the matching record
// re-encoded to the destination character set, with the query level echoed.
type FindResponse struct {
	Record *models.InstanceRecord
	Level  catalog.Level
}

// FindSession enumerates the records matching one query, one response per
// Next call. The session holds a shared lock on the index from StartFind
// until it reaches a terminal status, so the result set cannot shift under
// an active enumeration.
type FindSession struct {
	engine   *Engine
	logger   zerolog.Logger
	query    *match.Query
	conv     *match.Converter
	guard    *store.Guard
	cursor   int
	returned map[string]struct{}
	pending  *models.InstanceRecord
	done     bool
}

// StartFind validates the query and positions the session at its first
// match. StatusPending means results are available through Next;
// StatusSuccess means the query matched nothing and no session is returned.
// Validation failures return StatusIdentifierMismatch before any scanning.
func (e *Engine) StartFind(modelUID string, keys AttributeMap) (*FindSession, models.Status, string) {
	q, status, detail := e.parseQuery(modelUID, keys, false)
	if status != models.StatusSuccess {
		metrics.FindsTotal.WithLabelValues(status.String()).Inc()
		e.logger.Warn().Str("model_uid", modelUID).Str("detail", detail).Msg("Rejected find request")
		return nil, status, detail
	}

	guard, err := e.store.LockShared()
	if err != nil {
		metrics.FindsTotal.WithLabelValues(models.StatusProcessingFailure.String()).Inc()
		return nil, models.StatusProcessingFailure, "failed to lock index"
	}

	s := &FindSession{
		engine:   e,
		logger:   e.logger.With().Str("session_id", uuid.NewString()).Str("op", "find").Logger(),
		query:    q,
		conv:     match.NewConverter(),
		guard:    guard,
		returned: make(map[string]struct{}),
	}

	found, err := s.advance()
	if err != nil {
		s.teardown()
		status := models.StatusProcessingFailure
		if errors.Is(err, match.ErrMissingUniqueKey) {
			status = models.StatusIdentifierMismatch
		}
		metrics.FindsTotal.WithLabelValues(status.String()).Inc()
		return nil, status, err.Error()
	}
	if !found {
		s.teardown()
		metrics.FindsTotal.WithLabelValues(models.StatusSuccess.String()).Inc()
		return nil, models.StatusSuccess, ""
	}

	s.logger.Debug().Str("level", q.Level.String()).Msg("Find session started")
	metrics.FindsTotal.WithLabelValues(models.StatusPending.String()).Inc()
	return s, models.StatusPending, ""
}

// Next returns the current match as a Pending response and advances to the
// following one. Exhaustion returns StatusSuccess with no payload; the
// session is then terminal and its lock released.
func (s *FindSession) Next() (*FindResponse, models.Status) {
	if s.done {
		return nil, models.StatusSuccess
	}
	if s.pending == nil {
		s.teardown()
		return nil, models.StatusSuccess
	}

	resp := &FindResponse{
		Record: s.encodeResponse(s.pending),
		Level:  s.query.Level,
	}
	s.pending = nil

	found, err := s.advance()
	if err != nil {
		s.teardown()
		return nil, models.StatusProcessingFailure
	}
	if !found {
		// Deliver the last payload; the next call terminates the session.
		s.teardown()
	}
	return resp, models.StatusPending
}

// Cancel tears the session down immediately and releases its lock. It is
// safe to call at any point after StartFind, repeatedly.
func (s *FindSession) Cancel() models.Status {
	if !s.done {
		s.logger.Debug().Msg("Find session cancelled")
	}
	s.teardown()
	return models.StatusCancel
}

// advance scans from the cursor for the next record that compares true and
// whose unique-key tuple has not been returned yet.
func (s *FindSession) advance() (bool, error) {
	count, err := s.engine.store.RecordCount()
	if err != nil {
		return false, err
	}
	for ; s.cursor < count; s.cursor++ {
		rec, err := s.engine.store.ReadInstance(s.cursor)
		if err != nil {
			return false, err
		}
		if !rec.InUse() {
			continue
		}
		tuple := match.TupleKey(rec, s.query)
		if _, seen := s.returned[tuple]; seen {
			continue
		}
		ok, err := match.CompareHierarchy(rec, s.query, s.conv)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		s.returned[tuple] = struct{}{}
		s.pending = rec
		s.cursor++
		return true, nil
	}
	return false, nil
}

// encodeResponse converts the record's string attributes to the destination
// character set the caller expects, which is the set the query itself was
// encoded in.
func (s *FindSession) encodeResponse(rec *models.InstanceRecord) *models.InstanceRecord {
	out := *rec
	if s.query.Charset == rec.SpecificCharacterSet {
		return &out
	}
	for _, a := range catalog.Table {
		if a.Kind != catalog.MatchString {
			continue
		}
		v := s.conv.ToUTF8(rec.Value(a.Tag), rec.SpecificCharacterSet)
		out.SetValue(a.Tag, s.conv.Encode(v, s.query.Charset))
	}
	out.SpecificCharacterSet = s.query.Charset
	return &out
}

func (s *FindSession) teardown() {
	if s.done {
		return
	}
	s.done = true
	s.pending = nil
	s.returned = nil
	s.guard.Release()
}
