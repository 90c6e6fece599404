package engine

import (
	"os"

	"github.com/openpacs/qrindex/internal/metrics"
	"github.com/openpacs/qrindex/internal/models"
)

// admit finds or frees the study-table slot for an incoming record,
// enforcing the per-study byte budget and the study-table capacity. It
// returns the slot index the record joins. The caller has already refused
// objects larger than the budget, so shrinking always reaches a size the
// record fits in.
func (e *Engine) admit(rec *models.InstanceRecord, table []models.StudyDescriptor) (int, models.Status, string) {
	budget := e.store.MaxStudyBytes()

	for i := range table {
		if table[i].InUse() && table[i].StudyInstanceUID == rec.StudyInstanceUID {
			if budget > 0 && table[i].Size+rec.ImageSize > budget {
				if err := e.shrinkStudy(&table[i], budget-rec.ImageSize); err != nil {
					return 0, models.StatusProcessingFailure, err.Error()
				}
				if !table[i].InUse() {
					// Eviction emptied the study; the slot is still ours.
					table[i].StudyInstanceUID = rec.StudyInstanceUID
				}
			}
			return i, models.StatusSuccess, ""
		}
	}

	// New study: reuse a free slot, or evict the least-recently-modified
	// study wholesale when the table is full.
	for i := range table {
		if !table[i].InUse() {
			table[i] = models.StudyDescriptor{}
			return i, models.StatusSuccess, ""
		}
	}

	oldest := -1
	for i := range table {
		if oldest < 0 || table[i].LastModified < table[oldest].LastModified {
			oldest = i
		}
	}
	if oldest < 0 {
		return 0, models.StatusOutOfResources, "study table exhausted"
	}
	if err := e.evictStudy(&table[oldest]); err != nil {
		return 0, models.StatusProcessingFailure, err.Error()
	}
	table[oldest] = models.StudyDescriptor{}
	return oldest, models.StatusSuccess, ""
}

// shrinkStudy evicts the study's oldest images until its recorded size fits
// within limit. Age is the insertion timestamp; ties fall to the lowest
// record index, which is insertion order.
func (e *Engine) shrinkStudy(desc *models.StudyDescriptor, limit int64) error {
	for desc.InUse() && desc.Size > limit {
		oldestIdx := -1
		var oldest *models.InstanceRecord
		count, err := e.store.RecordCount()
		if err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			rec, err := e.store.ReadInstance(i)
			if err != nil {
				return err
			}
			if !rec.InUse() || rec.StudyInstanceUID != desc.StudyInstanceUID {
				continue
			}
			if oldest == nil || rec.InsertTime < oldest.InsertTime {
				oldest = rec
				oldestIdx = i
			}
		}
		if oldest == nil {
			// Descriptor disagrees with the records; zero it rather than loop.
			e.logger.Error().Str("study_uid", desc.StudyInstanceUID).
				Msg("Study descriptor has size but no records, resetting")
			*desc = models.StudyDescriptor{}
			return nil
		}
		if err := e.store.Tombstone(oldestIdx); err != nil {
			return err
		}
		desc.InstanceCount--
		desc.Size -= oldest.ImageSize
		if desc.InstanceCount == 0 {
			uid := desc.StudyInstanceUID
			*desc = models.StudyDescriptor{}
			desc.StudyInstanceUID = uid
		}
		e.removeFile(oldest.FilePath)
		metrics.EvictionsTotal.WithLabelValues("image").Inc()
		e.logger.Info().Str("study_uid", oldest.StudyInstanceUID).
			Str("sop_instance_uid", oldest.SOPInstanceUID).Int64("size", oldest.ImageSize).
			Msg("Evicted oldest image for study quota")
	}
	return nil
}

// evictStudy tombstones every instance of the study and removes its files,
// freeing the descriptor's slot for a new study.
func (e *Engine) evictStudy(desc *models.StudyDescriptor) error {
	count, err := e.store.RecordCount()
	if err != nil {
		return err
	}
	removed := 0
	for i := 0; i < count; i++ {
		rec, err := e.store.ReadInstance(i)
		if err != nil {
			return err
		}
		if !rec.InUse() || rec.StudyInstanceUID != desc.StudyInstanceUID {
			continue
		}
		if err := e.store.Tombstone(i); err != nil {
			return err
		}
		e.removeFile(rec.FilePath)
		removed++
	}
	metrics.EvictionsTotal.WithLabelValues("study").Inc()
	e.logger.Info().Str("study_uid", desc.StudyInstanceUID).Int("instances", removed).
		Msg("Evicted least recently modified study")
	return nil
}

// removeFile deletes an evicted object file unless quota deletion is
// disabled, in which case eviction only tombstones the index slot.
func (e *Engine) removeFile(path string) {
	if !e.opts.QuotaDeletesFiles || path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn().Err(err).Str("file", path).Msg("Failed to remove evicted file")
	}
}
