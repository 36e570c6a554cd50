package engine

import "errors"

// Sentinel errors for engine operations. Update sequences never return these
// to callers directly; they surface as ticket outcomes.
var (
	ErrBusy           = errors.New("an update is already in progress")
	ErrEngineFailed   = errors.New("engine is FAILED and needs recovery")
	ErrNotCancellable = errors.New("no cancellable update in progress")
	ErrNotFailed      = errors.New("engine is not FAILED")
	ErrTicketNotFound = errors.New("ticket not found")
	ErrProbe          = errors.New("liveness probe failed")
)
