package client

import "time"

type Lock struct {
	Subject    string     `json:"subject"`
	Status     string     `json:"status"`
	Holder     string     `json:"holder,omitempty"`
	AcquiredAt time.Time  `json:"acquired_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Context    string     `json:"context,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Held reports whether the server returned the lock as held.
func (l Lock) Held() bool { return l.Status == "held" }

type AcquireRequest struct {
	Subject   string        `json:"subject"`
	Requester string        `json:"requester"`
	TTL       time.Duration `json:"-"`
	Context   string        `json:"context,omitempty"`
}

type AcquireResult struct {
	Lock       Lock     `json:"lock"`
	Reacquired bool     `json:"reacquired"`
	Warnings   []string `json:"warnings,omitempty"`
}

type ReleaseRequest struct {
	Subject   string            `json:"subject"`
	Requester string            `json:"requester"`
	Value     float64           `json:"value,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// SkipHistory releases without writing a history record.
	SkipHistory bool `json:"-"`
}

type ReleaseResult struct {
	Lock     Lock           `json:"lock"`
	History  *HistoryRecord `json:"history,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

type HistoryRecord struct {
	ID        string            `json:"id"`
	Subject   string            `json:"subject"`
	Holder    string            `json:"holder"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Value     float64           `json:"value"`
	Notes     string            `json:"notes,omitempty"`
	Context   string            `json:"context,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// HistoryQuery selects records either by ID and Role or by the direct
// Subject, Holder and Party filters.
type HistoryQuery struct {
	ID      string
	Role    string
	Subject string
	Holder  string
	Party   string
	Limit   int
}

type Allocation struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	GrantedBy  string     `json:"granted_by"`
	StartAt    time.Time  `json:"start_at"`
	EndAt      *time.Time `json:"end_at,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	CreatedAt  time.Time  `json:"created_at"`
}

type QuotaWindow struct {
	Subject          string     `json:"subject"`
	WindowStart      time.Time  `json:"window_start"`
	CumulativeBusyMs int64      `json:"cumulative_busy_ms"`
	Enabled          bool       `json:"enabled"`
	ReenableAt       *time.Time `json:"reenable_at,omitempty"`
	Version          int64      `json:"version"`
}

type Grant struct {
	Allocation  Allocation  `json:"allocation"`
	GrantedMs   int64       `json:"granted_ms"`
	RemainingMs int64       `json:"remaining_ms"`
	Window      QuotaWindow `json:"window"`
}

type QuotaStatus struct {
	Subject     string     `json:"subject"`
	UsedMs      int64      `json:"used_ms"`
	RemainingMs int64      `json:"remaining_ms"`
	Enabled     bool       `json:"enabled"`
	ReenableAt  *time.Time `json:"reenable_at,omitempty"`
	WindowStart time.Time  `json:"window_start"`
}

type Listing struct {
	ID        string    `json:"id,omitempty"`
	Subject   string    `json:"subject"`
	Title     string    `json:"title,omitempty"`
	Busy      bool      `json:"busy"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// AvailabilityEvent is pushed on the availability stream when a subject
// turns busy or free.
type AvailabilityEvent struct {
	Type    string    `json:"type"`
	Subject string    `json:"subject"`
	Busy    bool      `json:"busy"`
	At      time.Time `json:"at"`
}
