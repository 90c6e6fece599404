package engine

import (
	"fmt"
	"time"

	"github.com/openpacs/qrindex/internal/metrics"
	"github.com/openpacs/qrindex/internal/models"
)

// StoreInstance registers the object at filePath in the index. It reads the
// catalog attributes from the file, removes any prior record with the same
// SOP Instance UID, enforces the per-study and study-table quotas by
// evicting the oldest data, and appends the new record to the first free
// slot. isNew controls the initial reviewed flag.
func (e *Engine) StoreInstance(sopClassUID, sopInstanceUID, filePath string, isNew bool) (models.Status, string) {
	status, detail := e.storeInstance(sopClassUID, sopInstanceUID, filePath, isNew)
	metrics.StoresTotal.WithLabelValues(status.String()).Inc()
	if status != models.StatusSuccess {
		e.logger.Warn().Str("file", filePath).Str("sop_instance_uid", sopInstanceUID).
			Stringer("status", status).Str("detail", detail).Msg("Store refused")
	}
	return status, detail
}

func (e *Engine) storeInstance(sopClassUID, sopInstanceUID, filePath string, isNew bool) (models.Status, string) {
	rec, err := e.reader.ReadAttributes(filePath)
	if err != nil {
		return models.StatusCannotUnderstand, err.Error()
	}
	if rec.SOPInstanceUID == "" {
		rec.SOPInstanceUID = sopInstanceUID
	}
	if rec.SOPClassUID == "" {
		rec.SOPClassUID = sopClassUID
	}
	if rec.SOPInstanceUID == "" || rec.SOPClassUID == "" {
		return models.StatusCannotUnderstand, "object has no SOP Class/Instance UID"
	}
	if sopInstanceUID != "" && rec.SOPInstanceUID != sopInstanceUID {
		return models.StatusCannotUnderstand, "SOP Instance UID in object differs from request"
	}
	if rec.StudyInstanceUID == "" {
		return models.StatusCannotUnderstand, "object has no Study Instance UID"
	}
	rec.FilePath = filePath
	rec.InsertTime = time.Now().Unix()
	rec.Reviewed = !isNew

	// A single object larger than the study budget can never be admitted.
	// Refuse here, before any slot is touched, so a rejected store leaves
	// the index and previously stored data untouched.
	if budget := e.store.MaxStudyBytes(); budget > 0 && rec.ImageSize > budget {
		return models.StatusOutOfResources,
			fmt.Sprintf("object of %d bytes exceeds study budget %d", rec.ImageSize, budget)
	}

	guard, err := e.store.LockExclusive()
	if err != nil {
		return models.StatusProcessingFailure, "failed to lock index"
	}
	defer guard.Release()

	table, err := e.store.ReadStudyTable()
	if err != nil {
		return models.StatusProcessingFailure, err.Error()
	}

	changed, err := e.removeDuplicates(rec, table)
	if err != nil {
		if changed {
			e.persistTable(table)
		}
		return models.StatusProcessingFailure, err.Error()
	}

	slot, status, detail := e.admit(rec, table)
	if status != models.StatusSuccess {
		// Duplicate removal and eviction tombstones are already on disk;
		// keep the descriptors in step with them.
		e.persistTable(table)
		return status, detail
	}

	table[slot].StudyInstanceUID = rec.StudyInstanceUID
	table[slot].Size += rec.ImageSize
	table[slot].InstanceCount++
	table[slot].LastModified = time.Now().Unix()
	if err := e.store.WriteStudyTable(table); err != nil {
		return models.StatusProcessingFailure, err.Error()
	}

	index, err := e.store.Append(rec)
	if err != nil {
		return models.StatusProcessingFailure, err.Error()
	}

	e.logger.Info().Str("sop_instance_uid", rec.SOPInstanceUID).
		Str("study_uid", rec.StudyInstanceUID).Int("record", index).
		Int64("size", rec.ImageSize).Msg("Stored instance")
	return models.StatusSuccess, ""
}

// removeDuplicates tombstones every prior record carrying the incoming SOP
// Instance UID, reporting whether anything changed. The prior file is only
// deleted when its path differs from the one being ingested, so a re-store
// of the same file never deletes its own input.
func (e *Engine) removeDuplicates(rec *models.InstanceRecord, table []models.StudyDescriptor) (bool, error) {
	count, err := e.store.RecordCount()
	if err != nil {
		return false, err
	}
	changed := false
	for i := 0; i < count; i++ {
		old, err := e.store.ReadInstance(i)
		if err != nil {
			return changed, err
		}
		if !old.InUse() || old.SOPInstanceUID != rec.SOPInstanceUID {
			continue
		}
		if err := e.store.Tombstone(i); err != nil {
			return changed, err
		}
		changed = true
		dropFromStudy(table, old.StudyInstanceUID, old.ImageSize)
		if old.FilePath != rec.FilePath {
			e.removeFile(old.FilePath)
		}
		e.logger.Info().Str("sop_instance_uid", rec.SOPInstanceUID).Int("record", i).
			Msg("Replaced duplicate instance")
	}
	return changed, nil
}

// persistTable writes the study table back on an aborted store, keeping the
// descriptors consistent with tombstones already written.
func (e *Engine) persistTable(table []models.StudyDescriptor) {
	if err := e.store.WriteStudyTable(table); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist study table after aborted store")
	}
}
