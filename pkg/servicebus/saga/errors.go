package saga

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrMissingCorrelation is returned when a message routed by correlation id carries none.
	ErrMissingCorrelation = errors.New("the CorrelationId was not specified")

	// ErrStoreConflict indicates an optimistic concurrency violation: a document was changed,
	// created or removed by someone else since this session read it.
	ErrStoreConflict = errors.New("saga store conflict")

	// ErrSagaNotFound is returned by policies that require an existing instance.
	ErrSagaNotFound = errors.New("saga instance not found")

	ErrSessionClosed = errors.New("saga session closed")
)

// SagaProcessingError wraps any failure raised while a message was processed against a saga.
type SagaProcessingError struct {
	SagaType      string
	MessageType   string
	CorrelationId uuid.UUID
	Cause         error
}

func (e *SagaProcessingError) Error() string {
	return fmt.Sprintf("saga %s (%s) failed processing %s: %v", e.SagaType, e.CorrelationId, e.MessageType, e.Cause)
}

func (e *SagaProcessingError) Unwrap() error {
	return e.Cause
}

// ContextCastError is returned by As when the consume context carries another message type.
type ContextCastError struct {
	From string
	To   string
}

func (e *ContextCastError) Error() string {
	return fmt.Sprintf("the consume context of %s could not be cast to %s", e.From, e.To)
}

// IsConflict reports whether err was caused by an optimistic concurrency violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStoreConflict)
}

func processingError(sagaType string, msg *Message, correlationId uuid.UUID, err error) error {
	var processing *SagaProcessingError
	if errors.As(err, &processing) {
		return err
	}
	return &SagaProcessingError{
		SagaType:      sagaType,
		MessageType:   msg.TypeName(),
		CorrelationId: correlationId,
		Cause:         err,
	}
}
