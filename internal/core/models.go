package core

import "time"

type EventType string

const EventAvailabilityChanged EventType = "availability.changed"

// LockStatus is the state of an engagement lock. There are only two.
type LockStatus string

const (
	LockFree LockStatus = "free"
	LockHeld LockStatus = "held"
)

// Lock is the per-subject engagement record. A Held lock whose ExpiresAt has
// passed is Free no matter what Status says.
type Lock struct {
	Subject       string     `json:"subject"`
	Status        LockStatus `json:"status"`
	Holder        string     `json:"holder,omitempty"`
	AcquiredAt    time.Time  `json:"acquired_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LinkedContext string     `json:"context,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Expired reports whether the lock carries an expiry that is not after now.
func (l Lock) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// IsHeld reports whether the lock is Held and unexpired at now.
func (l Lock) IsHeld(now time.Time) bool {
	return l.Status == LockHeld && !l.Expired(now)
}

// LaterExpiry is the expiry after extending cur to at. An extension never
// shortens a lease and a lock without expiry keeps none.
func LaterExpiry(cur *time.Time, at time.Time) *time.Time {
	if cur == nil {
		return nil
	}
	if cur.After(at) {
		v := *cur
		return &v
	}
	return &at
}

// Effective returns the lock as callers must see it at now: an expired Held
// record reads as Free with holder fields cleared.
func (l Lock) Effective(now time.Time) Lock {
	if l.Status == LockHeld && l.Expired(now) {
		return Lock{Subject: l.Subject, Status: LockFree, UpdatedAt: l.UpdatedAt}
	}
	return l
}

// QuotaWindow tracks busy time granted to a subject inside the rolling window.
type QuotaWindow struct {
	Subject          string     `json:"subject"`
	WindowStart      time.Time  `json:"window_start"`
	CumulativeBusyMs int64      `json:"cumulative_busy_ms"`
	Enabled          bool       `json:"enabled"`
	ReenableAt       *time.Time `json:"reenable_at,omitempty"`
	Version          int64      `json:"version"`
}

// Allocation is a bounded, pre-granted busy interval.
type Allocation struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	GrantedBy  string     `json:"granted_by"`
	StartAt    time.Time  `json:"start_at"`
	EndAt      *time.Time `json:"end_at,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EffectiveMs is the explicit duration when set, else the closed interval
// length, else zero.
func (a Allocation) EffectiveMs() int64 {
	if a.DurationMs > 0 {
		return a.DurationMs
	}
	if a.EndAt != nil {
		if d := a.EndAt.Sub(a.StartAt).Milliseconds(); d > 0 {
			return d
		}
	}
	return 0
}

// HistoryRecord is the immutable record of one completed engagement.
type HistoryRecord struct {
	ID            string            `json:"id"`
	Subject       string            `json:"subject"`
	Holder        string            `json:"holder"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       time.Time         `json:"ended_at"`
	Value         float64           `json:"value"`
	Notes         string            `json:"notes,omitempty"`
	LinkedContext string            `json:"context,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// HistoryFilter selects history records. Subject and Holder are ANDed; Party
// matches records where the id is either side of the engagement.
type HistoryFilter struct {
	Subject string
	Holder  string
	Party   string
	Limit   int
}

// Matches reports whether rec satisfies the filter, ignoring Limit.
func (f HistoryFilter) Matches(rec HistoryRecord) bool {
	if f.Subject != "" && rec.Subject != f.Subject {
		return false
	}
	if f.Holder != "" && rec.Holder != f.Holder {
		return false
	}
	if f.Party != "" && rec.Subject != f.Party && rec.Holder != f.Party {
		return false
	}
	return true
}

// Listing is a collaborator-owned record that denormalizes the subject's
// busy flag for its own read path.
type Listing struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Title     string    `json:"title,omitempty"`
	Busy      bool      `json:"busy"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AvailabilityEvent is pushed to subscribers when a subject turns busy or free.
type AvailabilityEvent struct {
	Type    EventType `json:"type"`
	Subject string    `json:"subject"`
	Busy    bool      `json:"busy"`
	At      time.Time `json:"at"`
}
