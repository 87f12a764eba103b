package publish

import (
	"errors"
	"fmt"
)

var (
	// ErrPublish indicates an event could not be handed to or committed by the broker
	ErrPublish = errors.New("event publish failed")

	// ErrNoAmbientTx indicates Send was called without an ambient transaction
	ErrNoAmbientTx = errors.New("no ambient transaction for publish")

	// ErrInvalidBridgeState indicates an illegal bridge state transition
	ErrInvalidBridgeState = errors.New("invalid bridge state transition")

	// ErrPublisherClosed indicates Send was called after Close
	ErrPublisherClosed = errors.New("publisher closed")

	// ErrInvalidConfig indicates the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phase names the point of the publish path where an error happened.
type Phase string

const (
	PhaseOpen     Phase = "open"
	PhaseSend     Phase = "send"
	PhaseCommit   Phase = "commit"
	PhaseRollback Phase = "rollback"
	PhaseClose    Phase = "close"
)

// PublishError carries the session and event an error belongs to.
type PublishError struct {
	Phase      Phase
	SessionKey string
	EventID    string
	Err        error
}

func (e *PublishError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("%s: %s session %s event %s: %v", ErrPublish, e.Phase, e.SessionKey, e.EventID, e.Err)
	}
	return fmt.Sprintf("%s: %s session %s: %v", ErrPublish, e.Phase, e.SessionKey, e.Err)
}

// Is makes errors.Is(err, ErrPublish) true for every PublishError.
func (e *PublishError) Is(target error) bool {
	return target == ErrPublish
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
