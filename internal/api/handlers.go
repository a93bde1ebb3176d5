package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/metrics"
	"github.com/ultrazend/mailroom/internal/pkg/logger"
	"github.com/ultrazend/mailroom/internal/rollout"
	"github.com/ultrazend/mailroom/internal/service/admission"
	"github.com/ultrazend/mailroom/internal/service/suppression"
	"github.com/ultrazend/mailroom/internal/worker"
)

// AdmissionAPI is the admission service surface used by the handlers.
type AdmissionAPI interface {
	Enqueue(ctx context.Context, req *admission.EnqueueRequest) (*admission.EnqueueResult, error)
	Cancel(ctx context.Context, tenantID, jobID string) (bool, error)
	GetTenantStats(ctx context.Context, tenantID string) (*admission.TenantStats, error)
}

// SuppressionAPI is the suppression service surface used by the handlers.
type SuppressionAPI interface {
	Add(ctx context.Context, tenantID, email, reason string) error
	AddGlobal(ctx context.Context, email, reason string) error
	RecordBounce(ctx context.Context, tenantID, email, smtpResponse string) (domain.BounceType, error)
	RecordComplaint(ctx context.Context, tenantID, email, source string) error
	Remove(ctx context.Context, tenantID, email string) error
	List(ctx context.Context, tenantID string, f suppression.ListFilter) ([]domain.SuppressionEntry, int, error)
}

// KeystoreAPI is the DKIM keystore surface used by the handlers.
type KeystoreAPI interface {
	GetOrGenerate(ctx context.Context, domainName string) (*domain.DKIMKey, error)
	Rotate(ctx context.Context, domainName, newSelector string) (*domain.DKIMKey, error)
}

// JobReader fetches single jobs for the status endpoint.
type JobReader interface {
	Get(ctx context.Context, jobID string) (*domain.DeliveryJob, error)
}

// HealthChecker runs the dependency probes.
type HealthChecker interface {
	Check(ctx context.Context) *worker.HealthStatus
}

// RolloutHistory exposes the controller's execution ring.
type RolloutHistory interface {
	Executions() []rollout.Execution
}

// Handlers holds the wired service references.
type Handlers struct {
	admission    AdmissionAPI
	suppressions SuppressionAPI
	keystore     KeystoreAPI
	jobs         JobReader
	health       HealthChecker
	gate         *rollout.Gate
	history      RolloutHistory
	metrics      *metrics.Metrics
}

// NewHandlers wires the handler set. health, gate, history, and m may be
// nil; the corresponding endpoints degrade gracefully.
func NewHandlers(adm AdmissionAPI, sup SuppressionAPI, keys KeystoreAPI, jobs JobReader,
	health HealthChecker, gate *rollout.Gate, history RolloutHistory, m *metrics.Metrics) *Handlers {
	return &Handlers{
		admission:    adm,
		suppressions: sup,
		keystore:     keys,
		jobs:         jobs,
		health:       health,
		gate:         gate,
		history:      history,
		metrics:      m,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response encode failed", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

// HandleEnqueue admits one message into the delivery queue.
func (h *Handlers) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req admission.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	res, err := h.admission.Enqueue(r.Context(), &req)
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.JobsAdmitted.Inc()
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handlers) countRejection(reason string) {
	if h.metrics != nil {
		h.metrics.JobsRejected.WithLabelValues(reason).Inc()
	}
}

// writeAdmissionError maps the admission error taxonomy onto HTTP.
func (h *Handlers) writeAdmissionError(w http.ResponseWriter, err error) {
	var verr *admission.ValidationError
	var rle *admission.RateExceededError
	switch {
	case errors.As(err, &verr):
		h.countRejection("validation_failed")
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "validation_failed",
			"fields": verr.Fields,
		})
	case errors.As(err, &rle):
		h.countRejection("rate_exceeded")
		if h.metrics != nil {
			h.metrics.QuotaDenied.WithLabelValues(string(rle.Tier)).Inc()
		}
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "rate_exceeded",
			"tier":  string(rle.Tier),
		})
	case errors.Is(err, admission.ErrTenantInactive):
		h.countRejection("tenant_inactive")
		writeError(w, http.StatusForbidden, "tenant_inactive", err.Error())
	case errors.Is(err, admission.ErrDomainNotAllowed):
		h.countRejection("domain_not_allowed")
		writeError(w, http.StatusForbidden, "domain_not_allowed", err.Error())
	case errors.Is(err, admission.ErrSuppressed):
		h.countRejection("suppressed")
		if h.metrics != nil {
			h.metrics.SuppressedHits.Inc()
		}
		writeError(w, http.StatusUnprocessableEntity, "suppressed", err.Error())
	case errors.Is(err, admission.ErrReputationBlocked):
		h.countRejection("reputation_blocked")
		writeError(w, http.StatusUnprocessableEntity, "reputation_blocked", err.Error())
	case errors.Is(err, admission.ErrDuplicateMessage):
		h.countRejection("duplicate_message")
		writeError(w, http.StatusConflict, "duplicate_message", err.Error())
	case errors.Is(err, admission.ErrRolloutClosed):
		h.countRejection("rollout_closed")
		writeError(w, http.StatusServiceUnavailable, "rollout_closed", err.Error())
	default:
		h.countRejection("store_unavailable")
		logger.Error("enqueue failed", "error", err.Error())
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again later")
	}
}

// HandleGetJob returns one job, scoped to the querying tenant.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "tenant_id query parameter required")
		return
	}

	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such job")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again later")
		return
	}
	if job.TenantID != tenantID {
		// Cross-tenant probing must be indistinguishable from a miss.
		writeError(w, http.StatusNotFound, "not_found", "no such job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleCancel cancels a pending or deferred job; a processing job is
// flagged for cancellation after its in-flight attempt.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "tenant_id query parameter required")
		return
	}

	ok, err := h.admission.Cancel(r.Context(), tenantID, chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again later")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

// HandleTenantStats returns delivery counts and remaining quota.
func (h *Handlers) HandleTenantStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admission.GetTenantStats(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		var verr *admission.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusNotFound, "not_found", "no such tenant")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again later")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleHealth serves the dependency probe snapshot.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status := h.health.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// HandleRolloutStatus reports the live rollout percent and the recent
// controller executions.
func (h *Handlers) HandleRolloutStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}
	if h.gate != nil {
		resp["percent"] = h.gate.Percent()
	}
	if h.history != nil {
		resp["executions"] = h.history.Executions()
	}
	writeJSON(w, http.StatusOK, resp)
}
