package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/mistakeknot/engage/internal/core"
)

type errorBody struct {
	Error      string   `json:"error"`
	Message    string   `json:"message,omitempty"`
	Holder     string   `json:"holder,omitempty"`
	Context    string   `json:"context,omitempty"`
	ExpiresAt  string   `json:"expires_at,omitempty"`
	ReenableAt string   `json:"reenable_at,omitempty"`
	Details    []string `json:"details,omitempty"`
}

// errorKinds is checked in order; the first match decides the status.
var errorKinds = []struct {
	err    error
	kind   string
	status int
}{
	{core.ErrNotFound, "not_found", http.StatusNotFound},
	{core.ErrNotOwner, "not_owner", http.StatusForbidden},
	{core.ErrAlreadyHeld, "already_held", http.StatusConflict},
	{core.ErrNotHeld, "not_held", http.StatusConflict},
	{core.ErrQuotaExceeded, "quota_exceeded", http.StatusTooManyRequests},
	{core.ErrWindowDisabled, "window_disabled", http.StatusLocked},
	{core.ErrTooEarly, "too_early", http.StatusTooEarly},
	{core.ErrInvalid, "invalid", http.StatusBadRequest},
}

func classify(err error) (string, int) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind, k.status
		}
	}
	return "internal", http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	body := errorBody{Error: kind}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	} else {
		body.Message = err.Error()
	}

	var held *core.HeldError
	if errors.As(err, &held) {
		body.Holder = held.Holder
		body.Context = held.LinkedContext
		body.ExpiresAt = formatTime(held.ExpiresAt)
	}
	var cd *core.CooldownError
	if errors.As(err, &cd) {
		body.ReenableAt = formatTime(cd.ReenableAt)
	}
	writeJSON(w, status, body)
}

// writeValidation reports struct validation failures field by field.
func writeValidation(w http.ResponseWriter, err error) {
	body := errorBody{Error: "invalid"}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			body.Details = append(body.Details, "field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag")
		}
	} else {
		body.Message = err.Error()
	}
	writeJSON(w, http.StatusBadRequest, body)
}
