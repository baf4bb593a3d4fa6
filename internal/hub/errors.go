package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity is matched by every *CapacityError
	ErrCapacity = errors.New("connection capacity exceeded")
	// ErrConnectionNotFound is returned when an operation references a
	// connection that is no longer registered. It is always recoverable.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrDuplicateConnection is returned when a connection id is registered twice
	ErrDuplicateConnection = errors.New("connection already registered")
	// ErrTransport wraps read and write failures on a connection stream
	ErrTransport = errors.New("transport failure")
	// ErrServiceClosed is returned by Admit after Shutdown
	ErrServiceClosed = errors.New("hub is shut down")
)

// CapacityReason tells which limit rejected a connection
type CapacityReason string

const (
	ReasonHardLimit      CapacityReason = "hard_limit"
	ReasonMaxConnections CapacityReason = "max_connections"
)

// CapacityError is returned when admission control rejects a connection
type CapacityError struct {
	Reason  CapacityReason
	Current int
	Limit   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: %s reached (%d/%d)", ErrCapacity, e.Reason, e.Current, e.Limit)
}

// Is lets errors.Is(err, ErrCapacity) match
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}
