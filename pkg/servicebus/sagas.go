package servicebus

import (
	"errors"

	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type sagaHandlerSettings struct {
	maxRetries int
	policy     RetryPolicy
	logger     *zap.Logger
}

type SagaHandlerOption func(*sagaHandlerSettings)

/*
Retry a message failing with a store conflict or inside the saga pipeline up to maxRetries times before it is
handed back to the transport for redelivery.
*/
func WithSagaRetry(maxRetries int, policy RetryPolicy) SagaHandlerOption {
	return func(s *sagaHandlerSettings) {
		s.maxRetries = maxRetries
		s.policy = policy
	}
}

func WithSagaLogger(logger *zap.Logger) SagaHandlerOption {
	return func(s *sagaHandlerSettings) {
		s.logger = logger
	}
}

func newSagaHandlerSettings(options []SagaHandlerOption) *sagaHandlerSettings {
	s := &sagaHandlerSettings{
		logger: zap.NewNop(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

/*
SagaHandler routes messages of payload type M to the saga instance named by their correlation id. The body
of the saga message is a *M, pipelines get at it with saga.As[*M]. The incoming message context is attached
to the pipeline context, see IncomingContextFrom.

Messages without a usable correlation id or with a payload that cannot be bound fail. Conflicts and
pipeline errors are retried as configured with WithSagaRetry and then handed back for redelivery. A message
for a saga instance that still does not exist after these retries fails, as redelivering it right away
would not find the instance either.
*/
func SagaHandler[S saga.Instance, M any](repository *saga.Repository[S], policy saga.Policy[S], next saga.Pipe[S], options ...SagaHandlerOption) func(ctx *IncomingMessageContext) {
	settings := newSagaHandlerSettings(options)
	return func(ctx *IncomingMessageContext) {
		msg, err := sagaMessage[M](ctx)
		if err != nil {
			settings.complete(ctx, err)
			return
		}

		settings.run(ctx, func() error {
			return repository.Send(WithIncomingContext(ctx.Context(), ctx), msg, policy, next)
		})
	}
}

/*
SagaQueryHandler routes messages of payload type M to every saga instance matching the filter built from the
payload. Outcomes are handled like SagaHandler does.
*/
func SagaQueryHandler[S saga.Instance, M any](repository *saga.Repository[S], query func(body *M) saga.Filter, policy saga.Policy[S], next saga.Pipe[S], options ...SagaHandlerOption) func(ctx *IncomingMessageContext) {
	settings := newSagaHandlerSettings(options)
	return func(ctx *IncomingMessageContext) {
		msg, err := sagaMessage[M](ctx)
		if err != nil {
			settings.complete(ctx, err)
			return
		}
		filter := query(msg.Body.(*M))

		settings.run(ctx, func() error {
			return repository.SendQuery(WithIncomingContext(ctx.Context(), ctx), msg, filter, policy, next)
		})
	}
}

func sagaMessage[M any](ctx *IncomingMessageContext) (*saga.Message, error) {
	body := new(M)
	if err := ctx.Bind(body); err != nil {
		return nil, err
	}

	msg := &saga.Message{
		MessageId:   ctx.MessageId,
		MessageType: ctx.Type,
		Headers:     ctx.Headers,
		Body:        body,
	}
	if id, err := uuid.Parse(ctx.CorrelationId); err == nil {
		msg.CorrelationId = &id
	}
	return msg, nil
}

func (s *sagaHandlerSettings) run(ctx *IncomingMessageContext, send func() error) {
	err := send()
	for retryCount := 1; err != nil && s.policy != nil && retryable(err) && retryCount <= s.maxRetries; retryCount++ {
		s.logger.Debug("saga message failed, retrying",
			zap.String("type", ctx.Type),
			zap.String("messageId", ctx.MessageId),
			zap.Int("retry", retryCount),
			zap.Error(err))
		err = s.policy(retryCount, send)
	}
	s.complete(ctx, err)
}

func (s *sagaHandlerSettings) complete(ctx *IncomingMessageContext, err error) {
	switch {
	case err == nil:
		ctx.Ack()
	case errors.Is(err, saga.ErrSagaNotFound):
		s.logger.Error("saga instance not found",
			zap.String("type", ctx.Type),
			zap.String("messageId", ctx.MessageId),
			zap.String("correlationId", ctx.CorrelationId),
			zap.Error(err))
		ctx.Fail()
	case retryable(err):
		s.logger.Warn("saga message handed back for redelivery",
			zap.String("type", ctx.Type),
			zap.String("messageId", ctx.MessageId),
			zap.Error(err))
		ctx.Retry()
	default:
		s.logger.Error("saga message failed",
			zap.String("type", ctx.Type),
			zap.String("messageId", ctx.MessageId),
			zap.Error(err))
		ctx.Fail()
	}
}

// retryable is false for failures a redelivery cannot fix.
func retryable(err error) bool {
	if errors.Is(err, saga.ErrMissingCorrelation) {
		return false
	}
	var cast *saga.ContextCastError
	if errors.As(err, &cast) {
		return false
	}
	var processing *saga.SagaProcessingError
	return errors.As(err, &processing) || saga.IsConflict(err)
}
