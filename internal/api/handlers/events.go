package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/emrtools/drughistory/internal/domain/drughistory"
)

// EventHandler handles drug event endpoints
type EventHandler struct {
	store  drughistory.EventStore
	logger *zap.Logger
}

// NewEventHandler creates a new handler
func NewEventHandler(store drughistory.EventStore, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{store: store, logger: logger}
}

// Routes returns the handler routes
func (h *EventHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Delete("/", h.Purge)
	return r
}

// EventResponse describes a stored drug event
type EventResponse struct {
	ID           string    `json:"id"`
	PersonID     int64     `json:"person_id"`
	EncounterID  int64     `json:"encounter_id,omitempty"`
	ConceptID    int64     `json:"concept_id"`
	ReasonID     int64     `json:"reason_id,omitempty"`
	DateOccurred time.Time `json:"date_occurred"`
	Type         string    `json:"type"`
}

// List handles GET /events?person_id=&since=
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	personID, err := parseIDParam(r, "person_id")
	if err != nil {
		jsonError(w, "invalid person_id", http.StatusBadRequest)
		return
	}
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		jsonError(w, "invalid since timestamp", http.StatusBadRequest)
		return
	}

	events, err := h.store.GetDrugEvents(r.Context(), drughistory.EventFilter{
		PersonID: drughistory.PersonID(personID),
		Since:    since,
	})
	if err != nil {
		h.logger.Error("list events failed", zap.Error(err))
		jsonError(w, "failed to list events", http.StatusInternalServerError)
		return
	}

	resp := make([]*EventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, &EventResponse{
			ID:           ev.ID,
			PersonID:     int64(ev.PersonID),
			EncounterID:  int64(ev.EncounterID),
			ConceptID:    int64(ev.ConceptID),
			ReasonID:     int64(ev.ReasonID),
			DateOccurred: ev.DateOccurred,
			Type:         string(ev.Type),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Purge handles DELETE /events?person_id=
func (h *EventHandler) Purge(w http.ResponseWriter, r *http.Request) {
	personID, err := parseIDParam(r, "person_id")
	if err != nil {
		jsonError(w, "invalid person_id", http.StatusBadRequest)
		return
	}

	removed, err := h.store.PurgeDrugEvents(r.Context(), drughistory.PersonID(personID))
	if err != nil {
		h.logger.Error("purge events failed", zap.Error(err))
		jsonError(w, "failed to purge events", http.StatusInternalServerError)
		return
	}

	h.logger.Info("events purged",
		zap.Int64("person_id", personID),
		zap.Int64("removed", removed))

	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
