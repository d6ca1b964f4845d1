package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"time"
)

// Lease and allocation lengths are capped at one year.

type tryRequest struct {
	Subject    string `json:"subject" validate:"required,max=256"`
	Requester  string `json:"requester" validate:"required,max=256"`
	TTLSeconds int64  `json:"ttl_seconds" validate:"gte=0,max=31536000"`
	Context    string `json:"context" validate:"max=1024"`
}

type heartbeatRequest struct {
	Subject       string `json:"subject" validate:"required,max=256"`
	Requester     string `json:"requester" validate:"required,max=256"`
	ExtendSeconds int64  `json:"extend_seconds" validate:"required,gt=0,max=31536000"`
}

type releaseRequest struct {
	Subject   string `json:"subject" validate:"required,max=256"`
	Requester string `json:"requester" validate:"required,max=256"`
	// RecordHistory defaults to true when omitted.
	RecordHistory *bool             `json:"record_history"`
	Value         float64           `json:"value" validate:"gte=0"`
	Notes         string            `json:"notes" validate:"max=2000"`
	Metadata      map[string]string `json:"metadata" validate:"max=32"`
}

type allocateRequest struct {
	Subject    string  `json:"subject" validate:"required,max=256"`
	Requester  string  `json:"requester" validate:"required,max=256"`
	Hours      float64 `json:"hours" validate:"required_without=DurationMs,gte=0,max=8760"`
	DurationMs int64   `json:"duration_ms" validate:"required_without=Hours,gte=0,max=31536000000"`
}

// RequestedMs prefers the explicit duration over fractional hours.
func (r allocateRequest) RequestedMs() int64 {
	if r.DurationMs > 0 {
		return r.DurationMs
	}
	return int64(math.Round(r.Hours * float64(time.Hour.Milliseconds())))
}

type allocationReleaseRequest struct {
	AllocationID string `json:"allocation_id" validate:"required"`
}

type enableRequest struct {
	Subject string `json:"subject" validate:"required,max=256"`
}

type listingRequest struct {
	ID      string `json:"id" validate:"max=128"`
	Subject string `json:"subject" validate:"required,max=256"`
	Title   string `json:"title" validate:"max=256"`
}

// decode reads a JSON body into v and validates it. It writes the 400
// response itself and reports whether the handler should continue.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid", Message: "malformed json: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeValidation(w, err)
		return false
	}
	return true
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
