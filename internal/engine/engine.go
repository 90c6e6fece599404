// Package engine implements the Query/Retrieve index engine: registering
// instances with quota enforcement, hierarchical FIND and MOVE sessions over
// the index file, and the maintenance operations the archive pipeline needs.
package engine

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/openpacs/qrindex/internal/catalog"
	"github.com/openpacs/qrindex/internal/match"
	"github.com/openpacs/qrindex/internal/metrics"
	"github.com/openpacs/qrindex/internal/models"
	"github.com/openpacs/qrindex/internal/store"
)

// AttributeMap is a flat query or store identifier: attribute tag to
// requested value. An empty value is a universal match for queries.
type AttributeMap map[tag.Tag]string

// AttributeReader extracts index attributes from a stored object file.
// Production uses the DICOM parser in internal/dicomfile; tests substitute
// fixtures.
type AttributeReader interface {
	ReadAttributes(path string) (*models.InstanceRecord, error)
}

// Options tune an Engine.
type Options struct {
	// QuotaDeletesFiles controls whether quota eviction and duplicate
	// replacement remove the underlying object files. Offline indexing
	// tools disable it so eviction only tombstones index slots.
	QuotaDeletesFiles bool
}

// Engine is the index database engine for one storage area. All public
// operations acquire the appropriate whole-file lock and release it on every
// exit path.
type Engine struct {
	store  *store.Store
	reader AttributeReader
	opts   Options
	logger zerolog.Logger
}

// New creates an engine over an open store.
func New(st *store.Store, reader AttributeReader, opts Options) *Engine {
	return &Engine{
		store:  st,
		reader: reader,
		opts:   opts,
		logger: log.With().Str("index", st.Path()).Logger(),
	}
}

// Store exposes the underlying record store, mainly for tests and tooling.
func (e *Engine) Store() *store.Store {
	return e.store
}

// parseQuery validates an information model UID and a flat key list into a
// match.Query. It enforces the catalog's request-list rules; violations are
// reported as StatusIdentifierMismatch with a detail message, before any
// record is scanned.
func (e *Engine) parseQuery(modelUID string, keys AttributeMap, retrieve bool) (*match.Query, models.Status, string) {
	root, ok := catalog.RootLevel(modelUID)
	if !ok {
		return nil, models.StatusIdentifierMismatch, "unsupported information model " + modelUID
	}

	levelStr, ok := keys[tag.QueryRetrieveLevel]
	if !ok {
		return nil, models.StatusIdentifierMismatch, "query retrieve level missing"
	}
	level, ok := catalog.ParseLevel(strings.TrimSpace(levelStr))
	if !ok {
		return nil, models.StatusIdentifierMismatch, "invalid query retrieve level " + levelStr
	}
	if level < root {
		return nil, models.StatusIdentifierMismatch, "query level " + level.String() + " above model root"
	}

	q := &match.Query{
		Level:   level,
		Root:    root,
		Charset: keys[tag.SpecificCharacterSet],
	}
	for t, v := range keys {
		if t == tag.QueryRetrieveLevel || t == tag.SpecificCharacterSet {
			continue
		}
		attr, ok := catalog.Lookup(t)
		if !ok {
			// Unsupported attributes are dropped, not errored.
			e.logger.Debug().Str("tag", t.String()).Msg("Dropping unsupported query attribute")
			continue
		}
		q.Keys = append(q.Keys, match.QueryKey{Attr: attr, Value: v})
	}

	var status models.Status
	var detail string
	if retrieve {
		status, detail = validateRetrieveKeys(q)
	} else {
		status, detail = validateFindKeys(q)
	}
	if status != models.StatusSuccess {
		return nil, status, detail
	}
	return q, models.StatusSuccess, ""
}

// validateFindKeys enforces the FIND list rules: only unique keys above the
// query level, at least one key at the query level, none below it. The
// study-rooted model additionally admits patient-level keys at study level.
func validateFindKeys(q *match.Query) (models.Status, string) {
	atLevel := 0
	for _, k := range q.Keys {
		switch {
		case k.Attr.Level < q.Level:
			if q.Root == catalog.LevelStudy && q.Level == catalog.LevelStudy && k.Attr.Level == catalog.LevelPatient {
				atLevel++
				continue
			}
			if k.Attr.Class != catalog.KeyUnique {
				return models.StatusIdentifierMismatch,
					"non-unique key " + k.Attr.Tag.String() + " above query level"
			}
			if k.Attr.Level < q.Root {
				return models.StatusIdentifierMismatch,
					"key " + k.Attr.Tag.String() + " above information model root"
			}
		case k.Attr.Level == q.Level:
			atLevel++
		default:
			return models.StatusIdentifierMismatch,
				"key " + k.Attr.Tag.String() + " below query level"
		}
	}
	if atLevel == 0 {
		return models.StatusIdentifierMismatch, "no keys at query level " + q.Level.String()
	}
	return models.StatusSuccess, ""
}

// validateRetrieveKeys enforces the MOVE list rules: a unique key at every
// level from the root down to and including the query level, and nothing
// else. The study-rooted model admits no patient-level keys at all.
func validateRetrieveKeys(q *match.Query) (models.Status, string) {
	for _, k := range q.Keys {
		if k.Attr.Class != catalog.KeyUnique {
			return models.StatusIdentifierMismatch,
				"non-unique key " + k.Attr.Tag.String() + " in retrieve identifier"
		}
		if k.Attr.Level < q.Root || k.Attr.Level > q.Level {
			return models.StatusIdentifierMismatch,
				"unique key " + k.Attr.Tag.String() + " outside retrieve level range"
		}
	}
	for level := q.Root; level <= q.Level; level++ {
		if v, ok := q.UniqueValue(level); !ok || strings.TrimSpace(v) == "" {
			return models.StatusIdentifierMismatch,
				"missing unique key for level " + level.String()
		}
	}
	return models.StatusSuccess, ""
}

// FindBySOP reports whether an instance with the given SOP Class and SOP
// Instance UID is registered, for storage-commitment style callers.
func (e *Engine) FindBySOP(sopClassUID, sopInstanceUID string) (bool, error) {
	guard, err := e.store.LockShared()
	if err != nil {
		return false, err
	}
	defer guard.Release()

	return e.scan(func(_ int, rec *models.InstanceRecord) (bool, error) {
		return rec.SOPInstanceUID == sopInstanceUID &&
			(sopClassUID == "" || rec.SOPClassUID == sopClassUID), nil
	})
}

// MarkReviewed flips the named instance from new to reviewed. The transition
// is one-way. A missing instance is a normal negative result.
func (e *Engine) MarkReviewed(studyUID, seriesUID, sopInstanceUID string) (bool, models.Status) {
	guard, err := e.store.LockExclusive()
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to lock index for review update")
		return false, models.StatusProcessingFailure
	}
	defer guard.Release()

	count, err := e.store.RecordCount()
	if err != nil {
		return false, models.StatusProcessingFailure
	}
	for i := 0; i < count; i++ {
		rec, err := e.store.ReadInstance(i)
		if err != nil {
			return false, models.StatusProcessingFailure
		}
		if !rec.InUse() || rec.SOPInstanceUID != sopInstanceUID ||
			rec.StudyInstanceUID != studyUID || rec.SeriesInstanceUID != seriesUID {
			continue
		}
		if !rec.Reviewed {
			rec.Reviewed = true
			if err := e.store.WriteInstance(i, rec); err != nil {
				e.logger.Error().Err(err).Int("record", i).Msg("Failed to persist review flag")
				return false, models.StatusProcessingFailure
			}
		}
		return true, models.StatusSuccess
	}
	return false, models.StatusSuccess
}

// Delete removes the named instance, or every instance of a series or study
// when the lower UIDs are empty (the delete cascades downward). Index slots
// are tombstoned; the object files themselves are left in place.
func (e *Engine) Delete(studyUID, seriesUID, sopInstanceUID string) (int, models.Status) {
	if studyUID == "" {
		return 0, models.StatusIdentifierMismatch
	}
	guard, err := e.store.LockExclusive()
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to lock index for delete")
		return 0, models.StatusProcessingFailure
	}
	defer guard.Release()

	table, err := e.store.ReadStudyTable()
	if err != nil {
		return 0, models.StatusProcessingFailure
	}

	removed := 0
	count, err := e.store.RecordCount()
	if err != nil {
		return 0, models.StatusProcessingFailure
	}
	for i := 0; i < count; i++ {
		rec, err := e.store.ReadInstance(i)
		if err != nil {
			return removed, models.StatusProcessingFailure
		}
		if !rec.InUse() || rec.StudyInstanceUID != studyUID {
			continue
		}
		if seriesUID != "" && rec.SeriesInstanceUID != seriesUID {
			continue
		}
		if sopInstanceUID != "" && rec.SOPInstanceUID != sopInstanceUID {
			continue
		}
		if err := e.store.Tombstone(i); err != nil {
			return removed, models.StatusProcessingFailure
		}
		dropFromStudy(table, rec.StudyInstanceUID, rec.ImageSize)
		removed++
	}
	if removed > 0 {
		if err := e.store.WriteStudyTable(table); err != nil {
			return removed, models.StatusProcessingFailure
		}
	}
	e.logger.Info().Str("study_uid", studyUID).Str("series_uid", seriesUID).
		Str("sop_instance_uid", sopInstanceUID).Int("removed", removed).Msg("Deleted index records")
	return removed, models.StatusSuccess
}

// PruneInvalid removes every record whose object file no longer exists on
// the filesystem, adjusting the study table accordingly. It is used to
// repair the index after partial failures elsewhere in the archive pipeline.
func (e *Engine) PruneInvalid() (int, models.Status) {
	guard, err := e.store.LockExclusive()
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to lock index for prune")
		return 0, models.StatusProcessingFailure
	}
	defer guard.Release()

	table, err := e.store.ReadStudyTable()
	if err != nil {
		return 0, models.StatusProcessingFailure
	}

	removed := 0
	count, err := e.store.RecordCount()
	if err != nil {
		return 0, models.StatusProcessingFailure
	}
	for i := 0; i < count; i++ {
		rec, err := e.store.ReadInstance(i)
		if err != nil {
			return removed, models.StatusProcessingFailure
		}
		if !rec.InUse() {
			continue
		}
		if _, err := os.Stat(rec.FilePath); err == nil {
			continue
		}
		if err := e.store.Tombstone(i); err != nil {
			return removed, models.StatusProcessingFailure
		}
		dropFromStudy(table, rec.StudyInstanceUID, rec.ImageSize)
		removed++
		metrics.PrunedTotal.Inc()
		e.logger.Warn().Str("file", rec.FilePath).Str("sop_instance_uid", rec.SOPInstanceUID).
			Msg("Pruned record with missing file")
	}
	if removed > 0 {
		if err := e.store.WriteStudyTable(table); err != nil {
			return removed, models.StatusProcessingFailure
		}
	}
	return removed, models.StatusSuccess
}

// scan iterates live records, stopping early when fn returns true. It
// assumes the caller holds a lock.
func (e *Engine) scan(fn func(index int, rec *models.InstanceRecord) (bool, error)) (bool, error) {
	count, err := e.store.RecordCount()
	if err != nil {
		return false, err
	}
	for i := 0; i < count; i++ {
		rec, err := e.store.ReadInstance(i)
		if err != nil {
			return false, err
		}
		if !rec.InUse() {
			continue
		}
		done, err := fn(i, rec)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}

// dropFromStudy subtracts one instance from the study's descriptor, freeing
// the slot when the last instance goes.
func dropFromStudy(table []models.StudyDescriptor, studyUID string, size int64) {
	for i := range table {
		if !table[i].InUse() || table[i].StudyInstanceUID != studyUID {
			continue
		}
		table[i].InstanceCount--
		table[i].Size -= size
		if table[i].InstanceCount == 0 {
			table[i] = models.StudyDescriptor{}
		} else if table[i].Size < 0 {
			table[i].Size = 0
		}
		return
	}
}
