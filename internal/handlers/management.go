package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openpacs/qrindex/internal/middleware"
	"github.com/openpacs/qrindex/internal/services"
)

// ManagementHandler serves the archive maintenance endpoints: registering
// objects, deleting, marking reviewed, pruning, and existence checks.
type ManagementHandler struct {
	qr *services.QRService
}

func NewManagementHandler(qr *services.QRService) *ManagementHandler {
	return &ManagementHandler{qr: qr}
}

type storeRequest struct {
	FilePath string `json:"file_path"`
	IsNew    bool   `json:"is_new"`
}

type statusResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Count  int    `json:"count,omitempty"`
	Found  *bool  `json:"found,omitempty"`
}

// StoreInstance registers an object file already on disk with the index.
func (h *ManagementHandler) StoreInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	area := middleware.GetStorageArea(ctx)

	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.FilePath == "" {
		http.Error(w, "file_path is required", http.StatusBadRequest)
		return
	}

	status, detail, err := h.qr.Store(ctx, area, req.FilePath, req.IsNew)
	if err != nil {
		log.Error().Err(err).Str("area", area).Str("file", req.FilePath).Msg("Store failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusToHTTP(status))
	json.NewEncoder(w).Encode(statusResponse{Status: status.String(), Detail: detail})
}

// DeleteStudy removes a study, series, or single instance from the index.
// The deletion cascades downward when the lower UIDs are absent from the
// path.
func (h *ManagementHandler) DeleteStudy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	area := middleware.GetStorageArea(ctx)

	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	instanceUID := chi.URLParam(r, "instanceUID")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}

	removed, status, err := h.qr.Delete(ctx, area, studyUID, seriesUID, instanceUID)
	if err != nil {
		log.Error().Err(err).Str("area", area).Str("study_uid", studyUID).Msg("Delete failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusToHTTP(status))
	json.NewEncoder(w).Encode(statusResponse{Status: status.String(), Count: removed})
}

// MarkReviewed flips an instance from new to reviewed.
func (h *ManagementHandler) MarkReviewed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	area := middleware.GetStorageArea(ctx)

	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	instanceUID := chi.URLParam(r, "instanceUID")
	if studyUID == "" || seriesUID == "" || instanceUID == "" {
		http.Error(w, "Study, Series, and Instance UID are required", http.StatusBadRequest)
		return
	}

	found, status, err := h.qr.MarkReviewed(ctx, area, studyUID, seriesUID, instanceUID)
	if err != nil {
		log.Error().Err(err).Str("area", area).Str("sop_instance_uid", instanceUID).Msg("Mark reviewed failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusToHTTP(status))
	json.NewEncoder(w).Encode(statusResponse{Status: status.String(), Found: &found})
}

// Prune drops every index record whose object file is missing.
func (h *ManagementHandler) Prune(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	area := middleware.GetStorageArea(ctx)

	removed, status, err := h.qr.Prune(ctx, area)
	if err != nil {
		log.Error().Err(err).Str("area", area).Msg("Prune failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusToHTTP(status))
	json.NewEncoder(w).Encode(statusResponse{Status: status.String(), Count: removed})
}

// Exists reports whether a SOP instance is registered, for
// storage-commitment style callers.
func (h *ManagementHandler) Exists(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	area := middleware.GetStorageArea(ctx)

	sopClassUID := r.URL.Query().Get("SOPClassUID")
	sopInstanceUID := r.URL.Query().Get("SOPInstanceUID")
	if sopInstanceUID == "" {
		http.Error(w, "SOPInstanceUID is required", http.StatusBadRequest)
		return
	}

	found, err := h.qr.Exists(ctx, area, sopClassUID, sopInstanceUID)
	if err != nil {
		log.Error().Err(err).Str("area", area).Str("sop_instance_uid", sopInstanceUID).Msg("Existence check failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{Status: "Success", Found: &found})
}
