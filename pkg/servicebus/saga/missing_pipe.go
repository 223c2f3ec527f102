package saga

import (
	"context"

	"go.uber.org/zap"
)

// missingPipe persists an instance created on the missing path once the pipeline ran, unless the
// pipeline completed it right away.
type missingPipe[S Instance] struct {
	repository *Repository[S]
	session    *Session
	next       Pipe[S]
}

func (r *Repository[S]) missingPipe(session *Session, next Pipe[S]) *missingPipe[S] {
	return &missingPipe[S]{
		repository: r,
		session:    session,
		next:       next,
	}
}

func (p *missingPipe[S]) Send(ctx context.Context, c *ConsumeContext[S]) error {
	instance := c.Saga()
	p.repository.logger.Debug("saga instance added",
		zap.Stringer("correlationId", instance.GetCorrelationId()),
		zap.String("message", c.Message().TypeName()))

	proxy := p.repository.bind(p.session, c.Message(), instance)
	if err := p.next.Send(ctx, proxy); err != nil {
		return err
	}

	if proxy.IsCompleted() {
		return nil
	}
	return p.session.Store(proxy.key, p.repository.sagaType, instance.GetCorrelationId().String(), instance)
}
