package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bitfsorg/sealvault/account"
)

// DefaultReconcileConcurrency bounds how many principals are recomputed at once.
const DefaultReconcileConcurrency = 4

// Sizer reports the total declared size of the files a principal owns.
type Sizer interface {
	SumOwned(owner string) (int64, error)
}

// Drift is the result of reconciling one principal.
type Drift struct {
	Principal string
	Before    int64
	After     int64
}

// Changed reports whether reconciliation corrected the ledger.
func (d Drift) Changed() bool { return d.Before != d.After }

// Reconciler recomputes used storage from the file registry and overwrites
// the ledger value, repairing drift the ledger cannot detect on its own.
type Reconciler struct {
	Ledger   *Ledger
	Accounts *account.Store
	Sizer    Sizer

	// Lock, when set, is held around each principal's recompute so no
	// upload or delete lands between the sum and the overwrite.
	Lock func(principal string) (unlock func())

	Concurrency int
}

// Reconcile recomputes one principal.
func (r *Reconciler) Reconcile(ctx context.Context, principal string) (Drift, error) {
	if err := ctx.Err(); err != nil {
		return Drift{}, err
	}
	if r.Lock != nil {
		unlock := r.Lock(principal)
		defer unlock()
	}

	before, err := r.Accounts.Get(principal)
	if err != nil {
		return Drift{}, err
	}
	actual, err := r.Sizer.SumOwned(principal)
	if err != nil {
		return Drift{}, fmt.Errorf("quota: sum owned files of %s: %w", principal, err)
	}

	d := Drift{Principal: principal, Before: before.Used, After: actual}
	if !d.Changed() {
		return d, nil
	}
	if _, err := r.Ledger.Set(principal, actual); err != nil {
		return Drift{}, err
	}
	r.Ledger.log.Info().
		Str("principal", principal).
		Int64("before", d.Before).
		Int64("after", d.After).
		Msg("used storage reconciled")
	return d, nil
}

// ReconcileAll recomputes every principal and returns the drifts found,
// sorted by principal. It stops at the first error.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]Drift, error) {
	ids, err := r.Accounts.IDs()
	if err != nil {
		return nil, err
	}

	limit := r.Concurrency
	if limit <= 0 {
		limit = DefaultReconcileConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	drifts := make([]Drift, 0, len(ids))
	for _, id := range ids {
		g.Go(func() error {
			d, err := r.Reconcile(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			drifts = append(drifts, d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(drifts, func(i, j int) bool { return drifts[i].Principal < drifts[j].Principal })
	return drifts, nil
}
