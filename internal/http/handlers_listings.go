package httpapi

import (
	"net/http"
	"time"

	"github.com/mistakeknot/engage/internal/core"
)

type listingsResponse struct {
	Listings []core.Listing `json:"listings"`
}

func (s *Service) handleListings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listListings(w, r)
	case http.MethodPost:
		s.upsertListing(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// upsertListing registers a listing with its busy flag taken from the live
// lock, so a listing created mid-engagement starts out correct.
func (s *Service) upsertListing(w http.ResponseWriter, r *http.Request) {
	var req listingRequest
	if !s.decode(w, r, &req) {
		return
	}
	l, err := s.locks.Status(r.Context(), req.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	saved, err := s.listings.UpsertListing(r.Context(), core.Listing{
		ID:        req.ID,
		Subject:   req.Subject,
		Title:     req.Title,
		Busy:      l.Status == core.LockHeld,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Service) listListings(w http.ResponseWriter, r *http.Request) {
	list, err := s.listings.ListListings(r.Context(), r.URL.Query().Get("subject"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []core.Listing{}
	}
	writeJSON(w, http.StatusOK, listingsResponse{Listings: list})
}
