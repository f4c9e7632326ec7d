package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/emrtools/drughistory/internal/domain/drughistory"
	"github.com/emrtools/drughistory/internal/observability/metrics"
)

// SnapshotHandler handles drug snapshot endpoints
type SnapshotHandler struct {
	snapshots drughistory.SnapshotStore
	regimens  drughistory.RegimenStore
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewSnapshotHandler creates a new handler
func NewSnapshotHandler(snapshots drughistory.SnapshotStore, regimens drughistory.RegimenStore, m *metrics.Metrics, logger *zap.Logger) *SnapshotHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotHandler{
		snapshots: snapshots,
		regimens:  regimens,
		metrics:   m,
		logger:    logger,
	}
}

// Routes returns the handler routes
func (h *SnapshotHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/match", h.Match)
	r.Post("/match", h.MatchDrugs)
	return r
}

// SnapshotResponse describes a stored snapshot
type SnapshotResponse struct {
	ID          string    `json:"id"`
	PersonID    int64     `json:"person_id"`
	EncounterID int64     `json:"encounter_id,omitempty"`
	DateTaken   time.Time `json:"date_taken"`
	Concepts    []int64   `json:"concepts"`
}

// List handles GET /snapshots?person_id=&drug=
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	personID, err := parseIDParam(r, "person_id")
	if err != nil {
		jsonError(w, "invalid person_id", http.StatusBadRequest)
		return
	}
	drug, err := parseIDParam(r, "drug")
	if err != nil {
		jsonError(w, "invalid drug", http.StatusBadRequest)
		return
	}

	snapshots, err := h.snapshots.GetSnapshots(r.Context(), drughistory.SnapshotFilter{
		PersonID: drughistory.PersonID(personID),
		Drug:     drughistory.ConceptID(drug),
	})
	if err != nil {
		h.logger.Error("list snapshots failed", zap.Error(err))
		jsonError(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}

	resp := make([]*SnapshotResponse, 0, len(snapshots))
	for _, s := range snapshots {
		resp = append(resp, snapshotToResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// MatchResponse pairs the snapshot that was matched with the regimens
// whose drug sets it contains
type MatchResponse struct {
	Snapshot *SnapshotResponse  `json:"snapshot"`
	Regimens []*RegimenResponse `json:"regimens"`
}

// Match handles GET /snapshots/match?person_id=. The person's most recent
// snapshot is matched against all active regimens; a regimen matches when
// every one of its drugs appears in the snapshot.
func (h *SnapshotHandler) Match(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	personID, err := parseIDParam(r, "person_id")
	if err != nil || personID == 0 {
		jsonError(w, "person_id is required", http.StatusBadRequest)
		return
	}

	snapshots, err := h.snapshots.GetSnapshots(ctx, drughistory.SnapshotFilter{
		PersonID: drughistory.PersonID(personID),
	})
	if err != nil {
		h.logger.Error("get snapshots failed", zap.Error(err))
		jsonError(w, "failed to get snapshots", http.StatusInternalServerError)
		return
	}
	if len(snapshots) == 0 {
		jsonError(w, "no snapshots for person", http.StatusNotFound)
		return
	}

	// Snapshots come back ordered by date taken, so the last is current.
	latest := snapshots[len(snapshots)-1]

	regimens, err := h.regimens.GetAllRegimens(ctx, false)
	if err != nil {
		h.logger.Error("get regimens failed", zap.Error(err))
		jsonError(w, "failed to get regimens", http.StatusInternalServerError)
		return
	}

	matched := drughistory.MatchRegimens(latest.Concepts, regimens)
	h.metrics.RegimenMatches.Add(float64(len(matched)))

	regResp := make([]*RegimenResponse, 0, len(matched))
	for _, reg := range matched {
		regResp = append(regResp, regimenToResponse(reg))
	}

	h.logger.Info("regimens matched",
		zap.Int64("person_id", personID),
		zap.Time("snapshot_date", latest.DateTaken),
		zap.Int("matched", len(matched)))

	writeJSON(w, http.StatusOK, MatchResponse{
		Snapshot: snapshotToResponse(latest),
		Regimens: regResp,
	})
}

// MatchDrugsRequest carries an explicit drug set to match against
type MatchDrugsRequest struct {
	Drugs []int64 `json:"drugs"`
}

// MatchDrugsResponse lists the regimens contained in the supplied drug set
type MatchDrugsResponse struct {
	Regimens []*RegimenResponse `json:"regimens"`
}

// MatchDrugs handles POST /snapshots/match with an explicit drug set,
// bypassing snapshot lookup
func (h *SnapshotHandler) MatchDrugs(w http.ResponseWriter, r *http.Request) {
	var req MatchDrugsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Drugs) == 0 {
		jsonError(w, "at least one drug is required", http.StatusBadRequest)
		return
	}

	regimens, err := h.regimens.GetAllRegimens(r.Context(), false)
	if err != nil {
		h.logger.Error("get regimens failed", zap.Error(err))
		jsonError(w, "failed to get regimens", http.StatusInternalServerError)
		return
	}

	matched := drughistory.MatchRegimens(conceptSet(req.Drugs), regimens)
	h.metrics.RegimenMatches.Add(float64(len(matched)))

	regResp := make([]*RegimenResponse, 0, len(matched))
	for _, reg := range matched {
		regResp = append(regResp, regimenToResponse(reg))
	}
	writeJSON(w, http.StatusOK, MatchDrugsResponse{Regimens: regResp})
}

func snapshotToResponse(s *drughistory.DrugSnapshot) *SnapshotResponse {
	return &SnapshotResponse{
		ID:          s.ID,
		PersonID:    int64(s.PersonID),
		EncounterID: int64(s.EncounterID),
		DateTaken:   s.DateTaken,
		Concepts:    conceptIDs(s.Concepts),
	}
}
