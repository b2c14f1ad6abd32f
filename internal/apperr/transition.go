package apperr

import "fmt"

// TransitionError reports a rejected ride status change. Current carries the
// freshest stored status so callers can surface it without a second read.
type TransitionError struct {
	From    string
	To      string
	Current string
	// Noop is set when the ride is already in the requested status.
	Noop bool
	// Lost is set when a conditional write lost a race against another writer.
	Lost bool
}

func (e *TransitionError) Error() string {
	switch {
	case e.Noop:
		return fmt.Sprintf("ride is already %s", e.To)
	case e.Lost:
		return fmt.Sprintf("ride changed concurrently: %s -> %s rejected, current state %s", e.From, e.To, e.Current)
	default:
		return fmt.Sprintf("invalid transition %s -> %s (current state %s)", e.From, e.To, e.Current)
	}
}

func (e *TransitionError) Unwrap() error {
	if e.Noop || e.Lost {
		return ErrConflict
	}
	return ErrInvalidTransition
}

// OwnershipError reports an update attempted by a driver other than the assigned one.
type OwnershipError struct {
	RideID    string
	Assigned  string
	Attempted string
	Current   string
	// Raced is set when the ride was claimed by Assigned between read and write.
	Raced bool
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("ride %s is assigned to another driver (state %s)", e.RideID, e.Current)
}

func (e *OwnershipError) Unwrap() []error {
	if e.Raced {
		return []error{ErrOwnershipConflict, ErrConflict}
	}
	return []error{ErrOwnershipConflict}
}
