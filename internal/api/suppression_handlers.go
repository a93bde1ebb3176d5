package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ultrazend/mailroom/internal/service/suppression"
)

// HandleIngestBounce feeds an externally observed bounce into the
// suppression pipeline. With no tenant_id the address is suppressed
// globally.
func (h *Handlers) HandleIngestBounce(w http.ResponseWriter, r *http.Request) {
	var input struct {
		TenantID     string `json:"tenant_id"`
		Email        string `json:"email"`
		SMTPResponse string `json:"smtp_response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.Email == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and smtp_response required")
		return
	}

	if input.TenantID == "" {
		if err := h.suppressions.AddGlobal(r.Context(), input.Email, input.SMTPResponse); err != nil {
			h.writeSuppressionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"result": "suppressed_globally"})
		return
	}

	bounceType, err := h.suppressions.RecordBounce(r.Context(), input.TenantID, input.Email, input.SMTPResponse)
	if err != nil {
		h.writeSuppressionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"bounce_type": string(bounceType)})
}

// HandleIngestComplaint records a spam complaint; complaints always
// suppress.
func (h *Handlers) HandleIngestComplaint(w http.ResponseWriter, r *http.Request) {
	var input struct {
		TenantID string `json:"tenant_id"`
		Email    string `json:"email"`
		Source   string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.Email == "" || input.TenantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id and email required")
		return
	}

	if err := h.suppressions.RecordComplaint(r.Context(), input.TenantID, input.Email, input.Source); err != nil {
		h.writeSuppressionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "suppressed"})
}

// HandleListSuppressions returns the tenant's suppression entries.
func (h *Handlers) HandleListSuppressions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	entries, total, err := h.suppressions.List(r.Context(), chi.URLParam(r, "tenantID"), suppression.ListFilter{
		Type:   r.URL.Query().Get("type"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again later")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
	})
}

// HandleAddSuppression records a manual suppression for the tenant.
func (h *Handlers) HandleAddSuppression(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email  string `json:"email"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.Email == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email required")
		return
	}

	if err := h.suppressions.Add(r.Context(), chi.URLParam(r, "tenantID"), input.Email, input.Reason); err != nil {
		h.writeSuppressionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"result": "suppressed"})
}

// HandleRemoveSuppression deletes a tenant-scoped entry.
func (h *Handlers) HandleRemoveSuppression(w http.ResponseWriter, r *http.Request) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed email")
		return
	}

	if err := h.suppressions.Remove(r.Context(), chi.URLParam(r, "tenantID"), email); err != nil {
		h.writeSuppressionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "removed"})
}

func (h *Handlers) writeSuppressionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, suppression.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, "invalid_email", err.Error())
	case errors.Is(err, suppression.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again later")
	}
}
