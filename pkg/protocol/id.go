package protocol

import (
	"github.com/google/uuid"
)

// ConnectionID uniquely identifies a connection for its whole lifetime.
// IDs are random (UUID v4) and never reused.
type ConnectionID uuid.UUID

// NilConnectionID is the zero ConnectionID.
var NilConnectionID ConnectionID

// NewConnectionID generates a fresh random connection ID
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New())
}

// ParseConnectionID parses the canonical textual form of a connection ID
func ParseConnectionID(s string) (ConnectionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilConnectionID, err
	}
	return ConnectionID(id), nil
}

func (id ConnectionID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler
func (id ConnectionID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *ConnectionID) UnmarshalText(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return err
	}
	*id = ConnectionID(u)
	return nil
}
