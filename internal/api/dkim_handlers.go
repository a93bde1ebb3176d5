package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ultrazend/mailroom/internal/dkim"
)

// dkimRecordResponse carries the DNS TXT record the domain owner must
// publish before the key signs.
type dkimRecordResponse struct {
	Domain    string `json:"domain"`
	Selector  string `json:"selector"`
	DNSName   string `json:"dns_name"`
	DNSValue  string `json:"dns_value"`
	KeySize   int    `json:"key_size"`
	Active    bool   `json:"active"`
	Algorithm string `json:"algorithm"`
}

// HandleGetDKIMRecord returns the active key's DNS record for a domain,
// generating the key first if the verified domain has none yet.
func (h *Handlers) HandleGetDKIMRecord(w http.ResponseWriter, r *http.Request) {
	key, err := h.keystore.GetOrGenerate(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		h.writeDKIMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dkimRecordResponse{
		Domain:    key.Domain,
		Selector:  key.Selector,
		DNSName:   key.DNSRecordName(),
		DNSValue:  key.DNSRecordValue(),
		KeySize:   key.KeySize,
		Active:    key.Active,
		Algorithm: key.Algorithm,
	})
}

// HandleRotateDKIM deactivates the domain's current keys and issues a
// fresh pair. The caller must publish the returned DNS record before
// signing switches over.
func (h *Handlers) HandleRotateDKIM(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Selector string `json:"selector"`
	}
	// Body is optional; an empty selector gets a timestamped default.
	_ = json.NewDecoder(r.Body).Decode(&input)

	key, err := h.keystore.Rotate(r.Context(), chi.URLParam(r, "domain"), input.Selector)
	if err != nil {
		h.writeDKIMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dkimRecordResponse{
		Domain:    key.Domain,
		Selector:  key.Selector,
		DNSName:   key.DNSRecordName(),
		DNSValue:  key.DNSRecordValue(),
		KeySize:   key.KeySize,
		Active:    key.Active,
		Algorithm: key.Algorithm,
	})
}

func (h *Handlers) writeDKIMError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dkim.ErrDomainNotVerified):
		writeError(w, http.StatusForbidden, "domain_not_verified", err.Error())
	case errors.Is(err, dkim.ErrNoActiveKey):
		writeError(w, http.StatusNotFound, "no_key", err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again later")
	}
}
