package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/metrics"
	"github.com/mistakeknot/engage/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker + RetryOnDBLock
// to ride out transient SQLite errors (database-is-locked, connection failures).
type ResilientStore struct {
	inner  *Store
	cb     *CircuitBreaker
	logger *slog.Logger
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second))
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
// Domain outcomes never count as breaker failures.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	r := &ResilientStore{inner: inner, cb: cb, logger: inner.logger}
	cb.WithFailureClassifier(isInfraFailure).OnStateChange(func(from, to BreakerState) {
		metrics.CircuitState.Set(float64(to))
		r.logger.Warn("store circuit breaker", "from", from.String(), "to", to.String())
	})
	return r
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func isInfraFailure(err error) bool {
	switch {
	case errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrVersionConflict),
		errors.Is(err, core.ErrInvalid),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (r *ResilientStore) do(fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(fn)
	})
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}

// ---------------------------------------------------------------------------
// LockStore
// ---------------------------------------------------------------------------

func (r *ResilientStore) GetLock(ctx context.Context, subject string) (core.Lock, error) {
	var result core.Lock
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.GetLock(ctx, subject)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) EnsureLock(ctx context.Context, subject string, now time.Time) (core.Lock, error) {
	var result core.Lock
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.EnsureLock(ctx, subject, now)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AcquireLock(ctx context.Context, subject, holder string, now time.Time, expiresAt *time.Time, linked string) (core.Lock, bool, error) {
	var (
		result core.Lock
		ok     bool
	)
	err := r.do(func() error {
		var innerErr error
		result, ok, innerErr = r.inner.AcquireLock(ctx, subject, holder, now, expiresAt, linked)
		return innerErr
	})
	return result, ok, err
}

func (r *ResilientStore) ReacquireLock(ctx context.Context, subject, holder string, now time.Time, expiresAt *time.Time, linked string) (core.Lock, bool, error) {
	var (
		result core.Lock
		ok     bool
	)
	err := r.do(func() error {
		var innerErr error
		result, ok, innerErr = r.inner.ReacquireLock(ctx, subject, holder, now, expiresAt, linked)
		return innerErr
	})
	return result, ok, err
}

func (r *ResilientStore) ExtendLock(ctx context.Context, subject, holder string, now, expiresAt time.Time) (core.Lock, bool, error) {
	var (
		result core.Lock
		ok     bool
	)
	err := r.do(func() error {
		var innerErr error
		result, ok, innerErr = r.inner.ExtendLock(ctx, subject, holder, now, expiresAt)
		return innerErr
	})
	return result, ok, err
}

func (r *ResilientStore) ReleaseLock(ctx context.Context, expected core.Lock, now time.Time) (bool, error) {
	var ok bool
	err := r.do(func() error {
		var innerErr error
		ok, innerErr = r.inner.ReleaseLock(ctx, expected, now)
		return innerErr
	})
	return ok, err
}

func (r *ResilientStore) HeldLocks(ctx context.Context, now time.Time) ([]core.Lock, error) {
	var result []core.Lock
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.HeldLocks(ctx, now)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ExpiredLocks(ctx context.Context, now time.Time) ([]core.Lock, error) {
	var result []core.Lock
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.ExpiredLocks(ctx, now)
		return innerErr
	})
	return result, err
}

// ---------------------------------------------------------------------------
// QuotaStore + AllocationStore
// ---------------------------------------------------------------------------

func (r *ResilientStore) GetWindow(ctx context.Context, subject string) (core.QuotaWindow, error) {
	var result core.QuotaWindow
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.GetWindow(ctx, subject)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CreateWindow(ctx context.Context, w core.QuotaWindow) (core.QuotaWindow, error) {
	var result core.QuotaWindow
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.CreateWindow(ctx, w)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) UpdateWindow(ctx context.Context, w core.QuotaWindow) (core.QuotaWindow, error) {
	var result core.QuotaWindow
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.UpdateWindow(ctx, w)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AppendAllocation(ctx context.Context, w core.QuotaWindow, a core.Allocation) (core.QuotaWindow, core.Allocation, error) {
	var (
		window core.QuotaWindow
		saved  core.Allocation
	)
	err := r.do(func() error {
		var innerErr error
		window, saved, innerErr = r.inner.AppendAllocation(ctx, w, a)
		return innerErr
	})
	return window, saved, err
}

func (r *ResilientStore) GetAllocation(ctx context.Context, id string) (core.Allocation, error) {
	var result core.Allocation
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.GetAllocation(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) FinishAllocation(ctx context.Context, id string, endAt time.Time, durationMs int64) (core.Allocation, bool, error) {
	var (
		result  core.Allocation
		changed bool
	)
	err := r.do(func() error {
		var innerErr error
		result, changed, innerErr = r.inner.FinishAllocation(ctx, id, endAt, durationMs)
		return innerErr
	})
	return result, changed, err
}

func (r *ResilientStore) ListAllocations(ctx context.Context, subject string, since time.Time) ([]core.Allocation, error) {
	var result []core.Allocation
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.ListAllocations(ctx, subject, since)
		return innerErr
	})
	return result, err
}

// ---------------------------------------------------------------------------
// HistoryStore + ListingStore
// ---------------------------------------------------------------------------

func (r *ResilientStore) AppendHistory(ctx context.Context, rec core.HistoryRecord) (core.HistoryRecord, error) {
	var result core.HistoryRecord
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.AppendHistory(ctx, rec)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListHistory(ctx context.Context, f core.HistoryFilter) ([]core.HistoryRecord, error) {
	var result []core.HistoryRecord
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.ListHistory(ctx, f)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) UpsertListing(ctx context.Context, l core.Listing) (core.Listing, error) {
	var result core.Listing
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.UpsertListing(ctx, l)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListListings(ctx context.Context, subject string) ([]core.Listing, error) {
	var result []core.Listing
	err := r.do(func() error {
		var innerErr error
		result, innerErr = r.inner.ListListings(ctx, subject)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) UpdateBusyFlag(ctx context.Context, subject string, busy bool, now time.Time) (int64, error) {
	var n int64
	err := r.do(func() error {
		var innerErr error
		n, innerErr = r.inner.UpdateBusyFlag(ctx, subject, busy, now)
		return innerErr
	})
	return n, err
}

func (r *ResilientStore) ReconcileBusyFlags(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.do(func() error {
		var innerErr error
		n, innerErr = r.inner.ReconcileBusyFlags(ctx, now)
		return innerErr
	})
	return n, err
}
