package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType is the wire discriminator of a Message
type MessageType string

const (
	TypeConnectionEstablished MessageType = "ConnectionEstablished"
	TypePing                  MessageType = "Ping"
	TypePong                  MessageType = "Pong"
	TypeSubscribe             MessageType = "Subscribe"
	TypeUnsubscribe           MessageType = "Unsubscribe"
	TypeNavigationUpdated     MessageType = "NavigationUpdated"
	TypeSchemaReloaded        MessageType = "SchemaReloaded"
	TypeFileChanged           MessageType = "FileChanged"
	TypeDataUpdate            MessageType = "DataUpdate"
	TypeError                 MessageType = "Error"
	TypeCustom                MessageType = "Custom"
)

// ErrSerialization is returned when a message cannot be encoded or decoded
var ErrSerialization = errors.New("message serialization failed")

// Message is one of the closed set of message variants defined in this package.
type Message interface {
	Type() MessageType
	isMessage()
}

type (
	// ConnectionEstablished is sent to a client right after it is admitted
	ConnectionEstablished struct {
		ConnectionID ConnectionID `json:"connection_id"`
	}

	// Ping requests a Pong from the peer
	Ping struct{}

	// Pong answers a Ping
	Pong struct{}

	// Subscribe adds topic strings to the sender's subscriptions
	Subscribe struct {
		Topics []string `json:"topics"`
	}

	// Unsubscribe removes topic strings from the sender's subscriptions
	Unsubscribe struct {
		Topics []string `json:"topics"`
	}

	// NavigationUpdated announces a new navigation document for a schema
	NavigationUpdated struct {
		Schema string          `json:"schema"`
		Data   json.RawMessage `json:"data"`
	}

	// SchemaReloaded announces that a schema was reloaded
	SchemaReloaded struct {
		Schema string `json:"schema"`
	}

	// FileChanged announces a file system event
	FileChanged struct {
		Path      string `json:"path"`
		EventType string `json:"event_type"`
	}

	// DataUpdate carries a payload from a data source
	DataUpdate struct {
		Source    string          `json:"source"`
		Data      json.RawMessage `json:"data"`
		Timestamp time.Time       `json:"timestamp"`
	}

	// ErrorNotice reports an error to the client
	ErrorNotice struct {
		Message string  `json:"message"`
		Code    *uint16 `json:"code"`
	}

	// Custom is an application defined event
	Custom struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
)

func (ConnectionEstablished) Type() MessageType { return TypeConnectionEstablished }
func (Ping) Type() MessageType                  { return TypePing }
func (Pong) Type() MessageType                  { return TypePong }
func (Subscribe) Type() MessageType             { return TypeSubscribe }
func (Unsubscribe) Type() MessageType           { return TypeUnsubscribe }
func (NavigationUpdated) Type() MessageType     { return TypeNavigationUpdated }
func (SchemaReloaded) Type() MessageType        { return TypeSchemaReloaded }
func (FileChanged) Type() MessageType           { return TypeFileChanged }
func (DataUpdate) Type() MessageType            { return TypeDataUpdate }
func (ErrorNotice) Type() MessageType           { return TypeError }
func (Custom) Type() MessageType                { return TypeCustom }

func (ConnectionEstablished) isMessage() {}
func (Ping) isMessage()                  {}
func (Pong) isMessage()                  {}
func (Subscribe) isMessage()             {}
func (Unsubscribe) isMessage()           {}
func (NavigationUpdated) isMessage()     {}
func (SchemaReloaded) isMessage()        {}
func (FileChanged) isMessage()           {}
func (DataUpdate) isMessage()            {}
func (ErrorNotice) isMessage()           {}
func (Custom) isMessage()                {}

// envelope is the wire form: {"type": "...", "payload": {...}}
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes a message into its tagged wire form. Unit variants (Ping,
// Pong) omit the payload.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrSerialization)
	}
	env := envelope{Type: m.Type()}
	switch m.(type) {
	case Ping, Pong:
	default:
		payload, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrSerialization, m.Type(), err)
		}
		env.Payload = payload
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// Unmarshal decodes a message from its tagged wire form
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	switch env.Type {
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeConnectionEstablished:
		return decodePayload[ConnectionEstablished](env)
	case TypeSubscribe:
		return decodePayload[Subscribe](env)
	case TypeUnsubscribe:
		return decodePayload[Unsubscribe](env)
	case TypeNavigationUpdated:
		return decodePayload[NavigationUpdated](env)
	case TypeSchemaReloaded:
		return decodePayload[SchemaReloaded](env)
	case TypeFileChanged:
		return decodePayload[FileChanged](env)
	case TypeDataUpdate:
		return decodePayload[DataUpdate](env)
	case TypeError:
		return decodePayload[ErrorNotice](env)
	case TypeCustom:
		return decodePayload[Custom](env)
	case "":
		return nil, fmt.Errorf("%w: missing message type", ErrSerialization)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrSerialization, env.Type)
	}
}

func decodePayload[T Message](env envelope) (Message, error) {
	var msg T
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return nil, fmt.Errorf("%w: %s requires a payload", ErrSerialization, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrSerialization, env.Type, err)
	}
	return msg, nil
}
