package quota

import "errors"

var (
	// ErrQuotaExceeded indicates the charge would take usage past the quota.
	ErrQuotaExceeded = errors.New("quota: storage quota exceeded")

	// ErrInvalidAmount indicates a negative byte amount.
	ErrInvalidAmount = errors.New("quota: amount must not be negative")
)
