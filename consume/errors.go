package consume

import (
	"errors"
	"fmt"
)

var (
	// ErrConsumerProcessing indicates a record could not be processed
	ErrConsumerProcessing = errors.New("consumer processing failed")

	// ErrSourceClosed indicates the source was closed while polling
	ErrSourceClosed = errors.New("record source closed")

	// ErrAlreadyRunning indicates Start was called on a running consumer
	ErrAlreadyRunning = errors.New("consumer already running")

	// ErrInvalidConfig indicates the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ProcessingError identifies the record and event that failed.
type ProcessingError struct {
	Topic     string
	Partition int32
	Offset    int64
	EventID   string
	Err       error
}

func (e *ProcessingError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("%s: %s/%d@%d event %s: %v", ErrConsumerProcessing, e.Topic, e.Partition, e.Offset, e.EventID, e.Err)
	}
	return fmt.Sprintf("%s: %s/%d@%d: %v", ErrConsumerProcessing, e.Topic, e.Partition, e.Offset, e.Err)
}

// Is makes errors.Is(err, ErrConsumerProcessing) true for every ProcessingError.
func (e *ProcessingError) Is(target error) bool {
	return target == ErrConsumerProcessing
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
