package model

import "errors"

var (
	// ErrNotFound is returned for an unknown sub-ledger, order, mapping or
	// a reconcile key with no external position.
	ErrNotFound = errors.New("ledger: not found")

	// ErrDomainMismatch is returned when a sub-ledger's symbol/side does
	// not match the request.
	ErrDomainMismatch = errors.New("ledger: symbol/side mismatch")

	// ErrScopeMismatch is returned when a sub-ledger belongs to a different
	// account than the request.
	ErrScopeMismatch = errors.New("ledger: account scope mismatch")

	// ErrOverAssigned is returned when reconcile assignments exceed the
	// external quantity.
	ErrOverAssigned = errors.New("ledger: reconcile assignments exceed external quantity")

	// ErrInvalidSize is returned for a bracket qty/percent out of range.
	ErrInvalidSize = errors.New("ledger: invalid size")

	// ErrSyncError is returned when bracket placement failed mid-transition.
	// The bracket is left in ERROR with whatever legs were placed.
	ErrSyncError = errors.New("ledger: bracket sync failed")

	// ErrSyncInProgress is returned when a bracket transition is requested
	// while a previous one is still SYNCING.
	ErrSyncInProgress = errors.New("ledger: bracket sync in progress")

	// ErrEmptyPosition is returned when an operation needs open quantity.
	ErrEmptyPosition = errors.New("ledger: sub-ledger has no open quantity")

	// ErrNonEmpty is returned when deleting a sub-ledger with open quantity.
	ErrNonEmpty = errors.New("ledger: sub-ledger has open quantity")

	// ErrConflict is returned when creating a duplicate sub-ledger.
	ErrConflict = errors.New("ledger: already exists")

	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("ledger: invalid request")

	// ErrVenue wraps order placement or cancel failures reported by the
	// venue. The engine never retries them.
	ErrVenue = errors.New("ledger: venue rejected request")

	// ErrInvalidTransition is returned when a bracket write would move
	// the state machine along an edge it does not have.
	ErrInvalidTransition = errors.New("ledger: invalid bracket transition")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "NOT_FOUND"},
	{ErrDomainMismatch, "DOMAIN_MISMATCH"},
	{ErrScopeMismatch, "SCOPE_MISMATCH"},
	{ErrOverAssigned, "RECONCILE_OVER_ASSIGNED"},
	{ErrInvalidSize, "INVALID_SIZE"},
	{ErrSyncError, "SYNC_ERROR"},
	{ErrSyncInProgress, "SYNC_IN_PROGRESS"},
	{ErrEmptyPosition, "EMPTY_POSITION"},
	{ErrNonEmpty, "NON_EMPTY"},
	{ErrConflict, "CONFLICT"},
	{ErrInvalidRequest, "INVALID_REQUEST"},
	{ErrVenue, "VENUE_ERROR"},
	{ErrInvalidTransition, "INVALID_TRANSITION"},
}

// ErrorCode maps an error (possibly wrapped) to its wire code.
// Unknown errors map to INTERNAL.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "INTERNAL"
}
