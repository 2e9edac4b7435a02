package store

import "errors"

var (
	ErrFloorNotFound   = errors.New("floor not found")
	ErrServiceNotFound = errors.New("service not found")
	ErrCounterNotFound = errors.New("counter not found")
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrNoTicket        = errors.New("no ticket waiting")
	ErrInvalidState    = errors.New("invalid ticket state")
	ErrCounterInactive = errors.New("counter inactive")
	ErrInvalidSetting  = errors.New("invalid setting value")

	// ErrConflict marks lock contention or concurrent modification. Safe to
	// retry the whole operation; the postgres store already retries a bounded
	// number of times before surfacing it.
	ErrConflict = errors.New("concurrent modification conflict")
)
