package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openpacs/qrindex/internal/catalog"
	"github.com/openpacs/qrindex/internal/middleware"
	"github.com/openpacs/qrindex/internal/models"
	"github.com/openpacs/qrindex/internal/services"
)

// QueryHandler serves the hierarchical search and retrieve-listing
// endpoints.
type QueryHandler struct {
	qr *services.QRService
}

func NewQueryHandler(qr *services.QRService) *QueryHandler {
	return &QueryHandler{qr: qr}
}

// SearchStudies handles study-level searches. Query parameters are DICOM
// attribute keywords, e.g. ?PatientName=SMITH*&StudyDate=20240101-20241231.
func (h *QueryHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, catalog.LevelStudy, nil)
}

// SearchSeries handles series-level searches within a study.
func (h *QueryHandler) SearchSeries(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}
	h.search(w, r, catalog.LevelSeries, map[string]string{"StudyInstanceUID": studyUID})
}

// SearchInstances handles instance-level searches within a series.
func (h *QueryHandler) SearchInstances(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	if studyUID == "" || seriesUID == "" {
		http.Error(w, "Study UID and Series UID are required", http.StatusBadRequest)
		return
	}
	h.search(w, r, catalog.LevelImage, map[string]string{
		"StudyInstanceUID":  studyUID,
		"SeriesInstanceUID": seriesUID,
	})
}

func (h *QueryHandler) search(w http.ResponseWriter, r *http.Request, level catalog.Level, fixed map[string]string) {
	ctx := r.Context()
	area := middleware.GetStorageArea(ctx)

	params := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			params[name] = values[0]
		}
	}
	for name, value := range fixed {
		params[name] = value
	}

	records, status, err := h.qr.Search(ctx, area, level, params)
	if err != nil {
		log.Error().Err(err).Str("area", area).Str("level", level.String()).Msg("Search failed")
		http.Error(w, err.Error(), statusToHTTP(status))
		return
	}
	if records == nil {
		records = []*models.InstanceRecord{}
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(records)
}

// ListRetrieve returns the ordered sub-operation list a retrieve of the
// given study (or series, or single instance) would perform.
func (h *QueryHandler) ListRetrieve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	area := middleware.GetStorageArea(ctx)

	studyUID := chi.URLParam(r, "studyUID")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}
	seriesUID := chi.URLParam(r, "seriesUID")
	instanceUID := chi.URLParam(r, "instanceUID")

	items, status, err := h.qr.Retrieve(ctx, area, studyUID, seriesUID, instanceUID)
	if err != nil {
		log.Error().Err(err).Str("area", area).Str("study_uid", studyUID).Msg("Retrieve listing failed")
		http.Error(w, err.Error(), statusToHTTP(status))
		return
	}
	if items == nil {
		items = []models.MoveItem{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

// statusToHTTP maps engine statuses onto HTTP response codes.
func statusToHTTP(status models.Status) int {
	switch status {
	case models.StatusSuccess, models.StatusPending:
		return http.StatusOK
	case models.StatusIdentifierMismatch, models.StatusCannotUnderstand:
		return http.StatusBadRequest
	case models.StatusOutOfResources:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
