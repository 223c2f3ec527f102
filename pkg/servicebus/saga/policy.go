package saga

import (
	"context"
	"fmt"
)

// Pipe is the workflow pipeline a message runs through once its saga instance is located.
type Pipe[S Instance] interface {
	Send(ctx context.Context, c *ConsumeContext[S]) error
}

type PipeFunc[S Instance] func(ctx context.Context, c *ConsumeContext[S]) error

func (f PipeFunc[S]) Send(ctx context.Context, c *ConsumeContext[S]) error {
	return f(ctx, c)
}

/*
Policy decides, per message type, what happens when a saga instance exists or is missing, and whether
an instance is pre-inserted before the message is processed.
*/
type Policy[S Instance] interface {
	ShouldPreInsert(msg *Message) (S, bool)
	OnExisting(ctx context.Context, c *ConsumeContext[S], next Pipe[S]) error
	OnMissing(ctx context.Context, msg *Message, next Pipe[S]) error
}

type initiatingPolicy[S Instance] struct {
	create    func(msg *Message) S
	preInsert bool
}

/*
Policy for messages which start a saga. A missing instance is created with create, which receives the
message and must assign its correlation id. With preInsert the instance is created and stored before
the pipeline runs, so concurrent initiating messages end up on the same instance.
*/
func InitiatingPolicy[S Instance](create func(msg *Message) S, preInsert bool) Policy[S] {
	return &initiatingPolicy[S]{create: create, preInsert: preInsert}
}

func (p *initiatingPolicy[S]) ShouldPreInsert(msg *Message) (S, bool) {
	if !p.preInsert || msg.CorrelationId == nil {
		var zero S
		return zero, false
	}
	return p.create(msg), true
}

func (p *initiatingPolicy[S]) OnExisting(ctx context.Context, c *ConsumeContext[S], next Pipe[S]) error {
	return next.Send(ctx, c)
}

func (p *initiatingPolicy[S]) OnMissing(ctx context.Context, msg *Message, next Pipe[S]) error {
	instance := p.create(msg)
	return next.Send(ctx, NewConsumeContext(msg, instance))
}

type existingOnlyPolicy[S Instance] struct {
	ignoreMissing bool
}

/*
Policy for messages which only make sense for a running saga. A missing instance either fails the
message with ErrSagaNotFound or, with ignoreMissing, is silently skipped.
*/
func ExistingOnlyPolicy[S Instance](ignoreMissing bool) Policy[S] {
	return &existingOnlyPolicy[S]{ignoreMissing: ignoreMissing}
}

func (p *existingOnlyPolicy[S]) ShouldPreInsert(msg *Message) (S, bool) {
	var zero S
	return zero, false
}

func (p *existingOnlyPolicy[S]) OnExisting(ctx context.Context, c *ConsumeContext[S], next Pipe[S]) error {
	return next.Send(ctx, c)
}

func (p *existingOnlyPolicy[S]) OnMissing(ctx context.Context, msg *Message, next Pipe[S]) error {
	if p.ignoreMissing {
		return nil
	}
	if msg.CorrelationId != nil {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, msg.CorrelationId)
	}
	return ErrSagaNotFound
}
