package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emrtools/drughistory/internal/domain/drughistory"
	"github.com/emrtools/drughistory/internal/infrastructure/postgres"
)

// RegimenHandler handles regimen template endpoints
type RegimenHandler struct {
	store  drughistory.RegimenStore
	logger *zap.Logger
}

// NewRegimenHandler creates a new handler
func NewRegimenHandler(store drughistory.RegimenStore, logger *zap.Logger) *RegimenHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegimenHandler{store: store, logger: logger}
}

// Routes returns the handler routes
func (h *RegimenHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/retire", h.Retire)
	r.Post("/{id}/unretire", h.Unretire)
	r.Delete("/{id}", h.Purge)
	return r
}

// RegimenRequest is the request body for creating or replacing a regimen
type RegimenRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Line        string  `json:"line"` // FIRST or SECOND
	Age         string  `json:"age"`  // ADULT or PEDS
	Drugs       []int64 `json:"drugs"`
}

// RegimenResponse describes a stored regimen
type RegimenResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	Line         string  `json:"line"`
	Age          string  `json:"age"`
	Drugs        []int64 `json:"drugs"`
	Retired      bool    `json:"retired"`
	RetiredBy    string  `json:"retired_by,omitempty"`
	RetireReason string  `json:"retire_reason,omitempty"`
}

// Create handles POST /regimens
func (h *RegimenHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegimenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	if len(req.Drugs) == 0 {
		jsonError(w, "at least one drug is required", http.StatusBadRequest)
		return
	}

	regimen := &drughistory.Regimen{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Line:        req.Line,
		Age:         req.Age,
		Drugs:       conceptSet(req.Drugs),
	}

	if err := h.store.SaveRegimen(ctx, regimen); err != nil {
		h.logger.Error("save regimen failed", zap.Error(err))
		jsonError(w, "failed to save regimen", http.StatusInternalServerError)
		return
	}

	h.logger.Info("regimen created",
		zap.String("id", regimen.ID),
		zap.String("name", regimen.Name),
		zap.Int("drugs", regimen.Drugs.Len()))

	writeJSON(w, http.StatusCreated, regimenToResponse(regimen))
}

// List handles GET /regimens
func (h *RegimenHandler) List(w http.ResponseWriter, r *http.Request) {
	includeRetired := r.URL.Query().Get("include_retired") == "true"

	regimens, err := h.store.GetAllRegimens(r.Context(), includeRetired)
	if err != nil {
		h.logger.Error("list regimens failed", zap.Error(err))
		jsonError(w, "failed to list regimens", http.StatusInternalServerError)
		return
	}

	resp := make([]*RegimenResponse, 0, len(regimens))
	for _, reg := range regimens {
		resp = append(resp, regimenToResponse(reg))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /regimens/{id}
func (h *RegimenHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	regimen, err := h.store.GetRegimen(r.Context(), id)
	if err != nil {
		h.logger.Error("get regimen failed", zap.Error(err))
		jsonError(w, "failed to get regimen", http.StatusInternalServerError)
		return
	}
	if regimen == nil {
		jsonError(w, "regimen not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, regimenToResponse(regimen))
}

// Retire handles POST /regimens/{id}/retire
func (h *RegimenHandler) Retire(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RetireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.store.RetireRegimen(r.Context(), id, req.RetiredBy, req.Reason); err != nil {
		switch {
		case errors.Is(err, drughistory.ErrInvalidArgument):
			jsonError(w, err.Error(), http.StatusBadRequest)
		case postgres.IsNotFound(err):
			jsonError(w, "regimen not found", http.StatusNotFound)
		default:
			h.logger.Error("retire regimen failed", zap.Error(err))
			jsonError(w, "failed to retire regimen", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "retired"})
}

// Unretire handles POST /regimens/{id}/unretire
func (h *RegimenHandler) Unretire(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.UnretireRegimen(r.Context(), id); err != nil {
		if postgres.IsNotFound(err) {
			jsonError(w, "regimen not found", http.StatusNotFound)
			return
		}
		h.logger.Error("unretire regimen failed", zap.Error(err))
		jsonError(w, "failed to unretire regimen", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "active"})
}

// Purge handles DELETE /regimens/{id}
func (h *RegimenHandler) Purge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.PurgeRegimen(r.Context(), id); err != nil {
		if errors.Is(err, drughistory.ErrConstraintViolation) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("purge regimen failed", zap.Error(err))
		jsonError(w, "failed to purge regimen", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func regimenToResponse(r *drughistory.Regimen) *RegimenResponse {
	return &RegimenResponse{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Line:         r.Line,
		Age:          r.Age,
		Drugs:        conceptIDs(r.Drugs),
		Retired:      r.Retired,
		RetiredBy:    r.RetiredBy,
		RetireReason: r.RetireReason,
	}
}
