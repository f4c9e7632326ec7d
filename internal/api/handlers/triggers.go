// Package handlers provides HTTP handlers for the drug history API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emrtools/drughistory/internal/domain/drughistory"
	"github.com/emrtools/drughistory/internal/infrastructure/postgres"
)

// TriggerHandler handles trigger definition endpoints
type TriggerHandler struct {
	store  drughistory.TriggerStore
	logger *zap.Logger
}

// NewTriggerHandler creates a new handler
func NewTriggerHandler(store drughistory.TriggerStore, logger *zap.Logger) *TriggerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerHandler{store: store, logger: logger}
}

// Routes returns the handler routes
func (h *TriggerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/{id}/retire", h.Retire)
	r.Delete("/{id}", h.Purge)
	return r
}

// TriggerRequest is the request body for creating a trigger
type TriggerRequest struct {
	Name         string  `json:"name"`
	Kind         string  `json:"kind"` // structural or custom_query
	Questions    []int64 `json:"questions,omitempty"`
	Answers      []int64 `json:"answers,omitempty"`
	EventConcept int64   `json:"event_concept,omitempty"`
	EventReason  int64   `json:"event_reason,omitempty"`
	EventType    string  `json:"event_type,omitempty"`
	Query        string  `json:"query,omitempty"`
}

// TriggerResponse describes a stored trigger
type TriggerResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	Questions    []int64 `json:"questions,omitempty"`
	Answers      []int64 `json:"answers,omitempty"`
	EventConcept int64   `json:"event_concept,omitempty"`
	EventReason  int64   `json:"event_reason,omitempty"`
	EventType    string  `json:"event_type,omitempty"`
	Query        string  `json:"query,omitempty"`
	Retired      bool    `json:"retired"`
	RetireReason string  `json:"retire_reason,omitempty"`
}

// Create handles POST /triggers
func (h *TriggerHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	trig, err := buildTrigger(id, &req)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := trig.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.SaveTrigger(ctx, trig); err != nil {
		h.logger.Error("save trigger failed", zap.Error(err))
		jsonError(w, "failed to save trigger", http.StatusInternalServerError)
		return
	}

	h.logger.Info("trigger created",
		zap.String("id", id),
		zap.String("name", req.Name),
		zap.String("kind", req.Kind))

	writeJSON(w, http.StatusCreated, triggerToResponse(trig))
}

// List handles GET /triggers
func (h *TriggerHandler) List(w http.ResponseWriter, r *http.Request) {
	includeRetired := r.URL.Query().Get("include_retired") == "true"

	triggers, err := h.store.GetAllTriggers(r.Context(), includeRetired)
	if err != nil {
		h.logger.Error("list triggers failed", zap.Error(err))
		jsonError(w, "failed to list triggers", http.StatusInternalServerError)
		return
	}

	resp := make([]*TriggerResponse, 0, len(triggers))
	for _, t := range triggers {
		resp = append(resp, triggerToResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RetireRequest is the request body for retiring a trigger or regimen
type RetireRequest struct {
	RetiredBy string `json:"retired_by,omitempty"`
	Reason    string `json:"reason"`
}

// Retire handles POST /triggers/{id}/retire
func (h *TriggerHandler) Retire(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RetireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.store.RetireTrigger(r.Context(), id, req.Reason); err != nil {
		switch {
		case errors.Is(err, drughistory.ErrInvalidArgument):
			jsonError(w, err.Error(), http.StatusBadRequest)
		case postgres.IsNotFound(err):
			jsonError(w, "trigger not found", http.StatusNotFound)
		default:
			h.logger.Error("retire trigger failed", zap.Error(err))
			jsonError(w, "failed to retire trigger", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "retired"})
}

// Purge handles DELETE /triggers/{id}
func (h *TriggerHandler) Purge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.PurgeTrigger(r.Context(), id); err != nil {
		h.logger.Error("purge trigger failed", zap.Error(err))
		jsonError(w, "failed to purge trigger", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func buildTrigger(id string, req *TriggerRequest) (drughistory.Trigger, error) {
	switch req.Kind {
	case "structural", "":
		eventType, err := drughistory.ParseEventType(req.EventType)
		if err != nil {
			return nil, err
		}
		return &drughistory.StructuralTrigger{
			ID:           id,
			Name:         req.Name,
			Questions:    conceptSet(req.Questions),
			Answers:      conceptSet(req.Answers),
			EventConcept: drughistory.ConceptID(req.EventConcept),
			EventReason:  drughistory.ConceptID(req.EventReason),
			EventType:    eventType,
		}, nil
	case "custom_query":
		return &drughistory.CustomQueryTrigger{
			ID:    id,
			Name:  req.Name,
			Query: req.Query,
		}, nil
	}
	return nil, errors.New("unknown trigger kind: " + req.Kind)
}

func triggerToResponse(t drughistory.Trigger) *TriggerResponse {
	switch trig := t.(type) {
	case *drughistory.StructuralTrigger:
		return &TriggerResponse{
			ID:           trig.ID,
			Name:         trig.Name,
			Kind:         "structural",
			Questions:    conceptIDs(trig.Questions),
			Answers:      conceptIDs(trig.Answers),
			EventConcept: int64(trig.EventConcept),
			EventReason:  int64(trig.EventReason),
			EventType:    string(trig.EventType),
			Retired:      trig.Retired,
			RetireReason: trig.RetireReason,
		}
	case *drughistory.CustomQueryTrigger:
		return &TriggerResponse{
			ID:           trig.ID,
			Name:         trig.Name,
			Kind:         "custom_query",
			Query:        trig.Query,
			Retired:      trig.Retired,
			RetireReason: trig.RetireReason,
		}
	}
	return nil
}

func conceptSet(ids []int64) drughistory.ConceptSet {
	set := drughistory.NewConceptSet()
	for _, id := range ids {
		set.Add(drughistory.ConceptID(id))
	}
	return set
}

func conceptIDs(set drughistory.ConceptSet) []int64 {
	ids := set.IDs()
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
