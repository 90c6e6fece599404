package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/openpacs/qrindex/internal/cache"
	"github.com/openpacs/qrindex/internal/catalog"
	"github.com/openpacs/qrindex/internal/engine"
	"github.com/openpacs/qrindex/internal/models"
)

// QRService exposes the index engines to the HTTP handlers: hierarchical
// searches with result caching, retrieve listing, and the maintenance
// operations. It mirrors a C-FIND/C-MOVE exchange by draining a session per
// call.
type QRService struct {
	registry *Registry
	cache    cache.Cache
	ttl      time.Duration
}

// NewQRService creates the service layer over the area registry.
func NewQRService(registry *Registry, c cache.Cache, ttl time.Duration) *QRService {
	return &QRService{registry: registry, cache: c, ttl: ttl}
}

// Search runs a study-rooted FIND at the given level and returns every
// matching record. params maps DICOM attribute keywords (PatientName,
// StudyInstanceUID, ...) to requested values; unknown keywords are dropped.
// Results are cached per storage area until the next mutation.
func (s *QRService) Search(ctx context.Context, area string, level catalog.Level, params map[string]string) ([]*models.InstanceRecord, models.Status, error) {
	e, err := s.registry.Get(area)
	if err != nil {
		return nil, models.StatusProcessingFailure, err
	}

	key := cache.QueryKey(area, "find:"+level.String(), canonicalParams(params))
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil {
			var cached []*models.InstanceRecord
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, models.StatusSuccess, nil
			}
		}
	}

	keys := s.buildQuery(level, params)
	session, status, detail := e.StartFind(catalog.StudyRootFindUID, keys)
	if status.IsFailure() {
		return nil, status, fmt.Errorf("find rejected: %s", detail)
	}

	var results []*models.InstanceRecord
	if session != nil {
		defer session.Cancel()
		for {
			resp, st := session.Next()
			if st != models.StatusPending || resp == nil {
				if st.IsFailure() {
					return nil, st, fmt.Errorf("find failed: %s", st)
				}
				break
			}
			results = append(results, resp.Record)
		}
	}

	if s.cache != nil {
		if data, err := json.Marshal(results); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				log.Warn().Err(err).Str("area", area).Msg("Failed to cache query result")
			}
		}
	}
	return results, models.StatusSuccess, nil
}

// Retrieve runs a study-rooted MOVE for the given UID triple (series and
// instance may be empty for whole-study or whole-series retrieves) and
// returns the complete sub-operation list.
func (s *QRService) Retrieve(ctx context.Context, area, studyUID, seriesUID, instanceUID string) ([]models.MoveItem, models.Status, error) {
	e, err := s.registry.Get(area)
	if err != nil {
		return nil, models.StatusProcessingFailure, err
	}

	level := catalog.LevelStudy
	keys := engine.AttributeMap{tag.StudyInstanceUID: studyUID}
	if seriesUID != "" {
		level = catalog.LevelSeries
		keys[tag.SeriesInstanceUID] = seriesUID
	}
	if instanceUID != "" {
		level = catalog.LevelImage
		keys[tag.SOPInstanceUID] = instanceUID
	}
	keys[tag.QueryRetrieveLevel] = level.String()

	session, remaining, status, detail := e.StartMove(catalog.StudyRootMoveUID, keys)
	if status.IsFailure() {
		return nil, status, fmt.Errorf("move rejected: %s", detail)
	}
	if session == nil {
		return nil, models.StatusSuccess, nil
	}
	defer session.Cancel()

	items := make([]models.MoveItem, 0, remaining)
	for {
		item, st := session.Next()
		if st != models.StatusPending || item == nil {
			if st.IsFailure() {
				return nil, st, fmt.Errorf("move failed: %s", st)
			}
			break
		}
		items = append(items, *item)
	}
	return items, models.StatusSuccess, nil
}

// Store registers an object file in an area's index and invalidates the
// area's cached queries.
func (s *QRService) Store(ctx context.Context, area, filePath string, isNew bool) (models.Status, string, error) {
	e, err := s.registry.Get(area)
	if err != nil {
		return models.StatusProcessingFailure, "", err
	}
	status, detail := e.StoreInstance("", "", filePath, isNew)
	s.invalidate(ctx, area)
	return status, detail, nil
}

// Delete removes an instance, series, or study from an area's index.
func (s *QRService) Delete(ctx context.Context, area, studyUID, seriesUID, instanceUID string) (int, models.Status, error) {
	e, err := s.registry.Get(area)
	if err != nil {
		return 0, models.StatusProcessingFailure, err
	}
	removed, status := e.Delete(studyUID, seriesUID, instanceUID)
	s.invalidate(ctx, area)
	return removed, status, nil
}

// MarkReviewed flips an instance's reviewed flag.
func (s *QRService) MarkReviewed(ctx context.Context, area, studyUID, seriesUID, instanceUID string) (bool, models.Status, error) {
	e, err := s.registry.Get(area)
	if err != nil {
		return false, models.StatusProcessingFailure, err
	}
	found, status := e.MarkReviewed(studyUID, seriesUID, instanceUID)
	s.invalidate(ctx, area)
	return found, status, nil
}

// Prune removes records whose object files are missing.
func (s *QRService) Prune(ctx context.Context, area string) (int, models.Status, error) {
	e, err := s.registry.Get(area)
	if err != nil {
		return 0, models.StatusProcessingFailure, err
	}
	removed, status := e.PruneInvalid()
	s.invalidate(ctx, area)
	return removed, status, nil
}

// Exists checks whether a SOP instance is registered in an area.
func (s *QRService) Exists(ctx context.Context, area, sopClassUID, sopInstanceUID string) (bool, error) {
	e, err := s.registry.Get(area)
	if err != nil {
		return false, err
	}
	return e.FindBySOP(sopClassUID, sopInstanceUID)
}

// buildQuery turns keyword params into a flat query identifier, making sure
// the level's unique key is present so the identifier is well formed even
// for wide-open searches.
func (s *QRService) buildQuery(level catalog.Level, params map[string]string) engine.AttributeMap {
	keys := engine.AttributeMap{tag.QueryRetrieveLevel: level.String()}
	for name, value := range params {
		info, err := tag.FindByName(name)
		if err != nil {
			log.Debug().Str("param", name).Msg("Dropping unknown query parameter")
			continue
		}
		keys[info.Tag] = value
	}
	uniqueTag := catalog.UniqueKey(level).Tag
	if _, ok := keys[uniqueTag]; !ok {
		keys[uniqueTag] = ""
	}
	return keys
}

func (s *QRService) invalidate(ctx context.Context, area string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateArea(ctx, area); err != nil {
		log.Warn().Err(err).Str("area", area).Msg("Failed to invalidate query cache")
	}
}

func canonicalParams(params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
		b.WriteByte('&')
	}
	return b.String()
}
