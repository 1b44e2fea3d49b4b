// Package quota keeps each principal's used-storage counter in step with the
// bytes they own, and refuses charges that would exceed their quota.
package quota

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bitfsorg/sealvault/account"
)

// Ledger charges and releases storage against principals. Every mutation is
// a single read-check-write transaction, so concurrent charges for the same
// principal cannot both pass a check only one of them satisfies.
type Ledger struct {
	accounts *account.Store
	log      zerolog.Logger
}

// NewLedger returns a Ledger over accounts.
func NewLedger(accounts *account.Store, log zerolog.Logger) *Ledger {
	return &Ledger{accounts: accounts, log: log}
}

// Release is the outcome of releasing storage.
type Release struct {
	Principal account.Principal

	// Anomaly is set when the release would have driven usage negative and
	// was clamped to zero. It signals prior drift, not a failure.
	Anomaly   bool
	Shortfall int64 // bytes that could not be subtracted
}

// Usage summarizes a principal's storage.
type Usage struct {
	Quota      int64
	Used       int64
	Available  int64
	Percentage float64
}

// Check reports whether amount could be charged right now, without charging.
func (l *Ledger) Check(principal string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	p, err := l.accounts.Get(principal)
	if err != nil {
		return err
	}
	return fits(p, amount)
}

// Charge adds amount to the principal's used storage.
func (l *Ledger) Charge(principal string, amount int64) (account.Principal, error) {
	if amount < 0 {
		return account.Principal{}, ErrInvalidAmount
	}
	return l.accounts.Update(principal, func(p *account.Principal) error {
		if err := fits(*p, amount); err != nil {
			return err
		}
		p.Used += amount
		return nil
	})
}

// Release subtracts amount from the principal's used storage, clamping at
// zero. Clamping is logged and reported, never returned as an error.
func (l *Ledger) Release(principal string, amount int64) (Release, error) {
	if amount < 0 {
		return Release{}, ErrInvalidAmount
	}
	var r Release
	p, err := l.accounts.Update(principal, func(p *account.Principal) error {
		p.Used -= amount
		if p.Used < 0 {
			r.Anomaly = true
			r.Shortfall = -p.Used
			p.Used = 0
		}
		return nil
	})
	if err != nil {
		return Release{}, err
	}
	r.Principal = p

	if r.Anomaly {
		l.log.Warn().
			Str("principal", principal).
			Int64("amount", amount).
			Int64("shortfall", r.Shortfall).
			Msg("used storage would go negative; clamped to zero")
	}
	return r, nil
}

// Set overwrites the principal's used storage. Only reconciliation uses it.
func (l *Ledger) Set(principal string, used int64) (account.Principal, error) {
	if used < 0 {
		return account.Principal{}, ErrInvalidAmount
	}
	return l.accounts.Update(principal, func(p *account.Principal) error {
		p.Used = used
		return nil
	})
}

// SetQuota changes the principal's quota. Lowering it below current usage is
// allowed; further charges fail until usage drops.
func (l *Ledger) SetQuota(principal string, quota int64) (account.Principal, error) {
	if quota < 0 {
		return account.Principal{}, account.ErrInvalidQuota
	}
	return l.accounts.Update(principal, func(p *account.Principal) error {
		p.Quota = quota
		return nil
	})
}

// Usage returns the principal's storage summary.
func (l *Ledger) Usage(principal string) (Usage, error) {
	p, err := l.accounts.Get(principal)
	if err != nil {
		return Usage{}, err
	}
	return UsageOf(p), nil
}

// UsageOf summarizes p.
func UsageOf(p account.Principal) Usage {
	used := max(p.Used, 0)
	return Usage{
		Quota:      p.Quota,
		Used:       used,
		Available:  max(p.Quota-used, 0),
		Percentage: UsagePercentage(p),
	}
}

// UsagePercentage returns used/quota as a percentage. A zero quota reports
// 100 when anything is used and 0 otherwise; negative usage counts as zero.
func UsagePercentage(p account.Principal) float64 {
	used := max(p.Used, 0)
	if p.Quota == 0 {
		if used > 0 {
			return 100
		}
		return 0
	}
	return 100 * float64(used) / float64(p.Quota)
}

func fits(p account.Principal, amount int64) error {
	if p.Used+amount > p.Quota {
		return fmt.Errorf("%w: %d bytes requested, %d available", ErrQuotaExceeded, amount, max(p.Quota-p.Used, 0))
	}
	return nil
}
