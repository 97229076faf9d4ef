package collab

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDeliveryFailure = errors.New("delivery failure")
	ErrInvalidInput    = errors.New("invalid input")
	ErrClosed          = errors.New("closed")
	ErrNotImplemented  = errors.New("not implemented")
)

type VersionConflictError struct {
	ResourceID      string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for %s: expected %d, current %d", e.ResourceID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// DeliveryError describes a message that could not be handed to one
// connection. It never escapes the broadcaster.
type DeliveryError struct {
	ConnectionID string
	MessageType  string
	Cause        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.MessageType, e.ConnectionID, e.Cause)
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailure
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}
