package domain

import (
	"errors"
	"fmt"
)

// ErrUseInsteadCycle means a use_instead chain loops or is too long to be
// a real redirect. It is a data error, not something the user can fix.
var ErrUseInsteadCycle = errors.New("use_instead chain does not terminate")

// ValidationError is a bad or missing request parameter. Nothing has been
// written when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ResolutionError means the target actor could not be loaded or has no
// inbox. Domain is the user whose page the flow should return to.
type ResolutionError struct {
	Domain  string
	Address string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("couldn't resolve %s: %v", e.Address, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// DeliveryError is a failed inbox POST.
type DeliveryError struct {
	Domain string
	Inbox  string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Inbox, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IdentityMismatchError is returned when the identity proven by the auth
// provider is not the one the request claimed.
type IdentityMismatchError struct {
	Claimed  string
	Verified string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("authenticated as %s, not %s", e.Verified, e.Claimed)
}
