package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNotHeld         = errors.New("lock not held")
	ErrNotOwner        = errors.New("not lock owner")
	ErrAlreadyHeld     = errors.New("lock already held")
	ErrQuotaExceeded   = errors.New("busy quota exceeded")
	ErrWindowDisabled  = errors.New("busy window disabled")
	ErrTooEarly        = errors.New("too early to enable")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalid         = errors.New("invalid request")
)

// HeldError is returned when an acquire loses to the current holder. The
// holder fields are informational only.
type HeldError struct {
	Subject       string
	Holder        string
	LinkedContext string
	ExpiresAt     *time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("subject %s already held by %s", e.Subject, e.Holder)
}

func (e *HeldError) Is(target error) bool { return target == ErrAlreadyHeld }

// CooldownError reports a quota refusal together with the time the window
// may be enabled again. Kind is one of ErrQuotaExceeded, ErrWindowDisabled
// or ErrTooEarly.
type CooldownError struct {
	Kind       error
	Subject    string
	ReenableAt *time.Time
}

func (e *CooldownError) Error() string {
	if e.ReenableAt == nil {
		return fmt.Sprintf("%s: %v", e.Subject, e.Kind)
	}
	return fmt.Sprintf("%s: %v until %s", e.Subject, e.Kind, e.ReenableAt.Format(time.RFC3339))
}

func (e *CooldownError) Unwrap() error { return e.Kind }

// Invalid wraps ErrInvalid with a reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
