package propagate

import (
	"context"
	"fmt"
	"time"

	"github.com/mistakeknot/engage/internal/storage"
)

// Reconcile rewrites every listing's busy flag from the live lock table and
// returns how many listings were corrected. It repairs drift left by
// dropped or failed updates. The store checks each subject's lock in the
// same write that sets the flag, so an acquire or release racing the pass
// is never overwritten with a stale value.
func Reconcile(ctx context.Context, listings storage.ListingStore, now time.Time) (int64, error) {
	n, err := listings.ReconcileBusyFlags(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("reconcile listings: %w", err)
	}
	return n, nil
}
