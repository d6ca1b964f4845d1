package httpapi

import (
	"net/http"
	"strings"

	"github.com/mistakeknot/engage/internal/core"
)

func (s *Service) handleAllocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req allocateRequest
	if !s.decode(w, r, &req) {
		return
	}
	grant, err := s.ledger.Allocate(r.Context(), req.Subject, req.Requester, req.RequestedMs())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Service) handleAllocationRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req allocationReleaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.ledger.Release(r.Context(), req.AllocationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleQuotaStatus serves GET /api/busy/status/{subject}.
func (s *Service) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	subject := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/busy/status/"), "/")
	if subject == "" {
		s.writeError(w, core.Invalid("subject required"))
		return
	}
	st, err := s.ledger.QuotaStatus(r.Context(), subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req enableRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.ledger.ManualEnable(r.Context(), req.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
