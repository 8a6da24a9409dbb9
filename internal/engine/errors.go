package engine

import "errors"

// Sentinel errors for the dispatcher's failure taxonomy.
var (
	// ErrLockBusy is SHOP_LOCK_BUSY: raised only when the broker could not
	// be asked to delay redelivery and the caller must itself back off.
	ErrLockBusy = errors.New("SHOP_LOCK_BUSY")

	// ErrInvariantViolation covers malformed deliveries: missing jobId,
	// unknown jobType, missing mediaId for an Image item. Callers log and
	// drop rather than propagate for re-delivery.
	ErrInvariantViolation = errors.New("invariant violation")
)
