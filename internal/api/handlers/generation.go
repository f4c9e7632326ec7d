package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/emrtools/drughistory/internal/api/middleware"
	"github.com/emrtools/drughistory/internal/domain/drughistory"
	"github.com/emrtools/drughistory/internal/observability/metrics"
)

// GenerationHandler handles on-demand derivation endpoints
type GenerationHandler struct {
	evaluator *drughistory.Evaluator
	reducer   *drughistory.Reducer
	triggers  drughistory.TriggerStore
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewGenerationHandler creates a new handler
func NewGenerationHandler(evaluator *drughistory.Evaluator, reducer *drughistory.Reducer, triggers drughistory.TriggerStore, m *metrics.Metrics, logger *zap.Logger) *GenerationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenerationHandler{
		evaluator: evaluator,
		reducer:   reducer,
		triggers:  triggers,
		metrics:   m,
		logger:    logger,
	}
}

// Routes returns the handler routes
func (h *GenerationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/events", h.GenerateEvents)
	r.Post("/snapshots", h.GenerateSnapshots)
	return r
}

// GenerateRequest is the request body for derivation runs. PersonID zero
// means all persons; Since nil means all time.
type GenerateRequest struct {
	PersonID int64      `json:"person_id,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
}

// GenerateResponse reports the outcome of a derivation run
type GenerateResponse struct {
	PersonID int64         `json:"person_id,omitempty"`
	Count    int           `json:"count"`
	Duration time.Duration `json:"duration_ms"`
}

// GenerateEvents handles POST /generate/events: every active trigger is
// evaluated and the resulting drug events are appended to the event store.
func (h *GenerationHandler) GenerateEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("generation-handler")
	ctx, span := tracer.Start(ctx, "generate_events")
	defer span.End()

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	triggers, err := h.triggers.GetAllTriggers(ctx, false)
	if err != nil {
		h.logger.Error("load triggers failed", zap.Error(err))
		jsonError(w, "failed to load triggers", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	person := drughistory.PersonID(req.PersonID)
	total := 0

	for _, trig := range triggers {
		count, err := h.evaluator.EvaluateTrigger(ctx, trig, person, req.Since)
		if err != nil {
			h.metrics.DerivationsFailed.Inc()
			if errors.Is(err, drughistory.ErrInvalidArgument) {
				jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			h.logger.Error("trigger evaluation failed",
				zap.String("trigger", trig.TriggerName()),
				zap.Error(err))
			jsonError(w, "trigger evaluation failed: "+trig.TriggerName(), http.StatusInternalServerError)
			return
		}
		h.metrics.TriggerEvaluations.WithLabelValues(trig.TriggerName()).Inc()
		total += count
	}

	elapsed := time.Since(start)
	h.metrics.EventsGenerated.Add(float64(total))
	h.metrics.DerivationDuration.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.Int64("person_id", req.PersonID),
		attribute.Int("events_generated", total),
	)

	h.logger.Info("events generated",
		zap.Int64("person_id", req.PersonID),
		zap.Int("count", total),
		zap.Int("triggers", len(triggers)),
		zap.Duration("duration", elapsed),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusOK, GenerateResponse{
		PersonID: req.PersonID,
		Count:    total,
		Duration: elapsed / time.Millisecond,
	})
}

// GenerateSnapshots handles POST /generate/snapshots: existing snapshots in
// range are discarded and regenerated from the event store.
func (h *GenerationHandler) GenerateSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("generation-handler")
	ctx, span := tracer.Start(ctx, "generate_snapshots")
	defer span.End()

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	count, err := h.reducer.Reduce(ctx, drughistory.PersonID(req.PersonID), req.Since)
	if err != nil {
		h.metrics.DerivationsFailed.Inc()
		if errors.Is(err, drughistory.ErrInvalidArgument) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("snapshot generation failed", zap.Error(err))
		jsonError(w, "snapshot generation failed", http.StatusInternalServerError)
		return
	}

	elapsed := time.Since(start)
	h.metrics.SnapshotsTaken.Add(float64(count))
	h.metrics.DerivationDuration.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.Int64("person_id", req.PersonID),
		attribute.Int("snapshots_taken", count),
	)

	h.logger.Info("snapshots generated",
		zap.Int64("person_id", req.PersonID),
		zap.Int("count", count),
		zap.Duration("duration", elapsed),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusOK, GenerateResponse{
		PersonID: req.PersonID,
		Count:    count,
		Duration: elapsed / time.Millisecond,
	})
}
