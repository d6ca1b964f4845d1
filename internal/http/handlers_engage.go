package httpapi

import (
	"net/http"
	"strings"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/engage"
)

type locksResponse struct {
	Locks []core.Lock `json:"locks"`
}

func (s *Service) handleTry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req tryRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.locks.TryAcquire(r.Context(), engage.AcquireRequest{
		Subject:   req.Subject,
		Requester: req.Requester,
		TTL:       seconds(req.TTLSeconds),
		Context:   req.Context,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}
	l, err := s.locks.Heartbeat(r.Context(), req.Subject, req.Requester, seconds(req.ExtendSeconds))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Service) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req releaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.locks.Release(r.Context(), req.Subject, req.Requester, engage.Outcome{
		Value:       req.Value,
		Notes:       req.Notes,
		Metadata:    req.Metadata,
		SkipHistory: req.RecordHistory != nil && !*req.RecordHistory,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleLockStatus serves GET /api/engage/status/{subject}.
func (s *Service) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	subject := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/engage/status/"), "/")
	if subject == "" {
		s.writeError(w, core.Invalid("subject required"))
		return
	}
	l, err := s.locks.Status(r.Context(), subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Service) handleBusyList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	locks, err := s.locks.ListHeld(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if locks == nil {
		locks = []core.Lock{}
	}
	writeJSON(w, http.StatusOK, locksResponse{Locks: locks})
}
