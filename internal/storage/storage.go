package storage

import (
	"context"
	"time"

	"github.com/mistakeknot/engage/internal/core"
)

// LockStore holds one engagement record per subject. Every state transition
// is a single conditional write; callers never read-then-write.
type LockStore interface {
	GetLock(ctx context.Context, subject string) (core.Lock, error)
	// EnsureLock creates a Free record when none exists and returns the stored record.
	EnsureLock(ctx context.Context, subject string, now time.Time) (core.Lock, error)
	// AcquireLock moves Free (or expired) to Held. On a lost race it returns
	// the current record and false without mutating anything.
	AcquireLock(ctx context.Context, subject, holder string, now time.Time, expiresAt *time.Time, linked string) (core.Lock, bool, error)
	// ReacquireLock refreshes a lock already held, unexpired, by holder.
	// A nil expiresAt or empty linked keeps the stored value.
	ReacquireLock(ctx context.Context, subject, holder string, now time.Time, expiresAt *time.Time, linked string) (core.Lock, bool, error)
	// ExtendLock moves an unexpired lock's expiry out to expiresAt. It never
	// shortens the expiry and leaves a lock without one unchanged.
	ExtendLock(ctx context.Context, subject, holder string, now, expiresAt time.Time) (core.Lock, bool, error)
	// ReleaseLock moves Held to Free only if holder and acquiredAt still match expected.
	ReleaseLock(ctx context.Context, expected core.Lock, now time.Time) (bool, error)
	HeldLocks(ctx context.Context, now time.Time) ([]core.Lock, error)
	ExpiredLocks(ctx context.Context, now time.Time) ([]core.Lock, error)
}

type QuotaStore interface {
	GetWindow(ctx context.Context, subject string) (core.QuotaWindow, error)
	// CreateWindow fails with core.ErrVersionConflict if the subject already has one.
	CreateWindow(ctx context.Context, w core.QuotaWindow) (core.QuotaWindow, error)
	// UpdateWindow writes w only if the stored version equals w.Version and
	// returns the record with the bumped version.
	UpdateWindow(ctx context.Context, w core.QuotaWindow) (core.QuotaWindow, error)
}

type AllocationStore interface {
	// AppendAllocation applies the window update (same CAS as UpdateWindow)
	// and inserts the allocation atomically.
	AppendAllocation(ctx context.Context, w core.QuotaWindow, a core.Allocation) (core.QuotaWindow, core.Allocation, error)
	GetAllocation(ctx context.Context, id string) (core.Allocation, error)
	// FinishAllocation closes an allocation whose end is still after endAt.
	// The bool reports whether the record changed.
	FinishAllocation(ctx context.Context, id string, endAt time.Time, durationMs int64) (core.Allocation, bool, error)
	ListAllocations(ctx context.Context, subject string, since time.Time) ([]core.Allocation, error)
}

type HistoryStore interface {
	AppendHistory(ctx context.Context, rec core.HistoryRecord) (core.HistoryRecord, error)
	ListHistory(ctx context.Context, f core.HistoryFilter) ([]core.HistoryRecord, error)
}

// ListingStore is the collaborator-side read model carrying the busy flag.
type ListingStore interface {
	UpsertListing(ctx context.Context, l core.Listing) (core.Listing, error)
	ListListings(ctx context.Context, subject string) ([]core.Listing, error)
	UpdateBusyFlag(ctx context.Context, subject string, busy bool, now time.Time) (int64, error)
	// ReconcileBusyFlags sets busy=true exactly for listings whose subject
	// holds an unexpired lock at now and returns how many listings changed.
	// Each listing's flag is decided and written atomically with the read of
	// its subject's lock.
	ReconcileBusyFlags(ctx context.Context, now time.Time) (int64, error)
}

type Store interface {
	LockStore
	QuotaStore
	AllocationStore
	HistoryStore
	ListingStore
	Close() error
}

// DefaultHistoryLimit caps history reads when the caller gives no limit.
const DefaultHistoryLimit = 50
