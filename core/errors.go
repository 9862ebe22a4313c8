package core

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned when an identity is not authorized for an
// operation. It is surfaced to CRUD callers as a rejection; it never appears
// inside an event stream, denied events are simply not delivered.
var ErrPermissionDenied = errors.New("permission denied")

// UnknownResourceError is a usage error: an unregistered resource was referenced.
type UnknownResourceError struct {
	Resource string
}

func (e UnknownResourceError) Error() string {
	return fmt.Sprintf("unknown resource %q", e.Resource)
}

// DuplicateResourceError is returned when a resource is registered twice.
type DuplicateResourceError struct {
	Resource string
}

func (e DuplicateResourceError) Error() string {
	return fmt.Sprintf("resource %q is already registered", e.Resource)
}

// DeliveryFailedError indicates that a subscriber's transport failed and the
// subscription was torn down. It is never propagated to other subscribers.
type DeliveryFailedError struct {
	Resource string
	Err      error
}

func (e DeliveryFailedError) Error() string {
	return fmt.Sprintf("delivery failed for %s events: %s", e.Resource, e.Err)
}

func (e DeliveryFailedError) Unwrap() error {
	return e.Err
}
