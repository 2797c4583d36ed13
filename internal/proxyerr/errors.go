// Package proxyerr declares the sentinel error taxonomy shared by every
// component of the dual-database proxy. Components wrap these with
// fmt.Errorf("...: %w", ...) rather than constructing ad-hoc error types,
// so callers can classify failures with errors.Is regardless of which
// component produced them.
package proxyerr

import "errors"

var (
	// ErrUnavailable is returned when both the primary and fallback stores
	// are unreachable, or the proxy state is UNAVAILABLE. Not retried
	// internally; surfaced to the caller.
	ErrUnavailable = errors.New("dualdb: both stores unavailable")

	// ErrFencingLost is returned when the proxy no longer holds a valid
	// write lock. The caller may retry once the state settles.
	ErrFencingLost = errors.New("dualdb: fencing lock lost or invalid")

	// ErrPrimaryTransient is returned when a primary write fails while the
	// proxy is in NORMAL state. By design there is no fallback-only path
	// in NORMAL.
	ErrPrimaryTransient = errors.New("dualdb: primary write failed")

	// ErrValidation is returned for malformed caller input (non-finite
	// numbers in a where clause, oversized batches, etc).
	ErrValidation = errors.New("dualdb: invalid argument")

	// ErrSchemaDrift is returned when a write references a primary-side
	// column that the schema registry does not know about. The fallback
	// side silently skips unknown columns instead of returning this.
	ErrSchemaDrift = errors.New("dualdb: schema drift detected")

	// ErrIllegalTransition is returned by the state machine when a
	// transition is attempted that is not in the legal transition table.
	ErrIllegalTransition = errors.New("dualdb: illegal state transition")

	// ErrSyncNotApplicable is returned by TriggerSync when the proxy is
	// not in DEGRADED state.
	ErrSyncNotApplicable = errors.New("dualdb: sync can only be triggered from degraded state")

	// ErrRecoveryInProgress is returned when a recovery or failover
	// handler is already running and a concurrent attempt is rejected by
	// the non-reentrant guard.
	ErrRecoveryInProgress = errors.New("dualdb: recovery already in progress")

	// ErrNotFound is returned by adapters when a findUnique/findFirst
	// lookup has no matching row.
	ErrNotFound = errors.New("dualdb: row not found")

	// ErrConflictUnresolved marks a sync pass entry whose conflict
	// resolution strategy is "manual" and has not yet been resolved by an
	// operator.
	ErrConflictUnresolved = errors.New("dualdb: conflict unresolved")
)
