package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrCodec indicates an event could not be encoded or decoded
	ErrCodec = errors.New("event codec error")

	// ErrInvalidEvent indicates an event is missing required fields
	ErrInvalidEvent = errors.New("invalid event")

	// ErrUnknownAction indicates an action outside the known set
	ErrUnknownAction = errors.New("unknown event action")
)

// Marshal validates and encodes e for the wire.
func Marshal(e *Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal event %s: %v", ErrCodec, e.ID, err)
	}
	return data, nil
}

// Unmarshal decodes an event. Unknown fields and unknown actions are
// accepted so producers can evolve ahead of consumers; see Action.Known.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: unmarshal event: %v", ErrCodec, err)
	}
	if err := e.validateEnvelope(); err != nil {
		return nil, err
	}
	return &e, nil
}
