package saga

import (
	"reflect"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type completion struct {
	mu        sync.Mutex
	completed bool
}

/*
ConsumeContext binds one in-flight message to one saga instance for one pipeline execution. Contexts
built by policies with NewConsumeContext are not bound to a session yet, the repository rebinds them
before the pipeline runs.
*/
type ConsumeContext[S Instance] struct {
	message  *Message
	saga     S
	sagaType string
	key      string
	session  *Session
	logger   *zap.Logger
	metrics  *Metrics
	state    *completion
}

//Create a consume context for an instance which is not persisted yet.
func NewConsumeContext[S Instance](msg *Message, instance S) *ConsumeContext[S] {
	return &ConsumeContext[S]{
		message: msg,
		saga:    instance,
		logger:  zap.NewNop(),
		state:   &completion{},
	}
}

func (r *Repository[S]) bind(session *Session, msg *Message, instance S) *ConsumeContext[S] {
	return &ConsumeContext[S]{
		message:  msg,
		saga:     instance,
		sagaType: r.sagaType,
		key:      DocumentKey(r.sagaType, instance.GetCorrelationId()),
		session:  session,
		logger:   r.logger,
		metrics:  r.metrics,
		state:    &completion{},
	}
}

func (c *ConsumeContext[S]) Saga() S {
	return c.saga
}

func (c *ConsumeContext[S]) Message() *Message {
	return c.message
}

// CorrelationId is the id of the saga instance, authoritative over the one of the message.
func (c *ConsumeContext[S]) CorrelationId() uuid.UUID {
	return c.saga.GetCorrelationId()
}

// MessageCorrelationId is the correlation id carried by the message itself, nil when it has none.
func (c *ConsumeContext[S]) MessageCorrelationId() *uuid.UUID {
	return c.message.CorrelationId
}

func (c *ConsumeContext[S]) Logger() *zap.Logger {
	return c.logger
}

func (c *ConsumeContext[S]) IsCompleted() bool {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.completed
}

//Complete the saga. The instance is removed from the store when the session commits. Calling it again has no effect.
func (c *ConsumeContext[S]) MarkCompleted() error {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	if c.state.completed {
		return nil
	}

	if c.session != nil {
		if err := c.session.Delete(c.key); err != nil {
			return err
		}
	}
	c.state.completed = true
	c.metrics.completed(c.sagaType)

	c.logger.Debug("saga instance removed",
		zap.String("message", c.message.TypeName()),
		zap.Stringer("correlationId", c.CorrelationId()))
	return nil
}

// TypedConsumeContext is a view of a consume context under the concrete type of its message.
type TypedConsumeContext[S Instance, M any] struct {
	*ConsumeContext[S]
	Body M
}

/*
As reinterprets the context for message type M. The view shares the instance and the completion
state of c. It fails with a ContextCastError when the message body is not an M.
*/
func As[M any, S Instance](c *ConsumeContext[S]) (*TypedConsumeContext[S, M], error) {
	body, ok := c.message.Body.(M)
	if !ok {
		return nil, &ContextCastError{
			From: c.message.TypeName(),
			To:   reflect.TypeOf((*M)(nil)).Elem().String(),
		}
	}
	return &TypedConsumeContext[S, M]{ConsumeContext: c, Body: body}, nil
}
