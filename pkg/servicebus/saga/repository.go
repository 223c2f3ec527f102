package saga

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type settings struct {
	sagaType string
	logger   *zap.Logger
	metrics  *Metrics
}

type Option func(*settings)

//Log with the given logger. Entries are scoped with the saga type.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *settings) {
		s.metrics = metrics
	}
}

//Override the saga type name used in storage keys. Every participant sharing the store must use the same name.
func WithSagaType(name string) Option {
	return func(s *settings) {
		s.sagaType = name
	}
}

// Probe describes the repository for diagnostics.
type Probe struct {
	Persistence string `json:"persistence"`
}

/*
Repository locates, creates, updates and removes saga instances of type S in a document store while
messages are routed to them.
*/
type Repository[S Instance] struct {
	sessions SessionStrategy
	sagaType string
	newSaga  func() S
	logger   *zap.Logger
	metrics  *Metrics
	kind     string
}

//Create a repository which opens and commits its own session for every message.
func NewRepository[S Instance](store Store, options ...Option) *Repository[S] {
	return newRepository[S](OwnedSessions(store), store.Kind(), options)
}

/*
Create a repository working in a session owned by the caller. The repository never commits it, all
writes stay staged until the caller does.
*/
func NewSharedSessionRepository[S Instance](session *Session, options ...Option) *Repository[S] {
	return newRepository[S](SharedSession(session), session.Kind(), options)
}

func newRepository[S Instance](sessions SessionStrategy, kind string, options []Option) *Repository[S] {
	s := &settings{
		sagaType: TypeName[S](),
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		option(s)
	}

	return &Repository[S]{
		sessions: sessions,
		sagaType: s.sagaType,
		newSaga:  factory[S](),
		logger:   s.logger.With(zap.String("saga", s.sagaType)),
		metrics:  s.metrics,
		kind:     kind,
	}
}

func (r *Repository[S]) SagaType() string {
	return r.sagaType
}

func (r *Repository[S]) Probe() Probe {
	return Probe{Persistence: r.kind}
}

func (r *Repository[S]) newValue() interface{} {
	return r.newSaga()
}

//Send the message to the saga instance identified by its correlation id.
func (r *Repository[S]) Send(ctx context.Context, msg *Message, policy Policy[S], next Pipe[S]) error {
	if msg.CorrelationId == nil {
		return fmt.Errorf("%w: saga %s, message %s", ErrMissingCorrelation, r.sagaType, msg.TypeName())
	}
	sagaId := *msg.CorrelationId

	session, err := r.sessions.Open(ctx)
	if err != nil {
		return r.fail(msg, sagaId, err)
	}
	defer r.sessions.Release(session)

	inserted := false
	if instance, ok := policy.ShouldPreInsert(msg); ok {
		inserted, err = r.preInsert(ctx, session, msg, instance)
		if err != nil {
			return r.fail(msg, sagaId, err)
		}
	}

	value, found, err := session.Load(ctx, DocumentKey(r.sagaType, sagaId), r.newValue)
	if err != nil {
		return r.fail(msg, sagaId, err)
	}

	if !found {
		r.metrics.sent(r.sagaType, "missing")
		if err := policy.OnMissing(ctx, msg, r.missingPipe(session, next)); err != nil {
			return r.fail(msg, sagaId, err)
		}
	} else {
		instance := value.(S)
		r.metrics.sent(r.sagaType, "existing")
		r.logger.Debug("saga instance used",
			zap.Stringer("correlationId", instance.GetCorrelationId()),
			zap.String("message", msg.TypeName()))

		c := r.bind(session, msg, instance)
		if err := policy.OnExisting(ctx, c, next); err != nil {
			return r.fail(msg, sagaId, err)
		}

		if inserted && !c.IsCompleted() {
			if err := session.Store(c.key, r.sagaType, instance.GetCorrelationId().String(), instance); err != nil {
				return r.fail(msg, sagaId, err)
			}
		}
	}

	if err := r.sessions.Commit(ctx, session); err != nil {
		return r.fail(msg, sagaId, err)
	}
	return nil
}

func (r *Repository[S]) preInsert(ctx context.Context, session *Session, msg *Message, instance S) (bool, error) {
	id := instance.GetCorrelationId()
	result, err := r.sessions.Claim(ctx, session, DocumentKey(r.sagaType, id), r.sagaType, id.String(), instance)
	if err != nil {
		return false, err
	}
	r.metrics.preInserted(r.sagaType, result)

	if result == RaceLost {
		r.logger.Debug("saga instance already inserted",
			zap.Stringer("correlationId", id),
			zap.String("message", msg.TypeName()))
		return false, nil
	}

	r.logger.Debug("saga instance inserted",
		zap.Stringer("correlationId", id),
		zap.String("message", msg.TypeName()))
	return true, nil
}

/*
SendQuery sends the message to every saga instance matching query. When nothing matches, the message
takes the missing path like Send does. Matching instances are processed concurrently in one session
and committed together: if any of them fails, nothing is committed.
*/
func (r *Repository[S]) SendQuery(ctx context.Context, msg *Message, query Filter, policy Policy[S], next Pipe[S]) error {
	session, err := r.sessions.Open(ctx)
	if err != nil {
		return r.fail(msg, uuid.Nil, err)
	}
	defer r.sessions.Release(session)

	values, err := session.Query(ctx, r.sagaType, query, r.newValue)
	if err != nil {
		return r.fail(msg, uuid.Nil, err)
	}

	if len(values) == 0 {
		r.metrics.sent(r.sagaType, "missing")
		if err := policy.OnMissing(ctx, msg, r.missingPipe(session, next)); err != nil {
			return r.fail(msg, uuid.Nil, err)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for _, value := range values {
			instance := value.(S)
			g.Go(func() error {
				return r.sendToInstance(gctx, session, msg, instance, policy, next)
			})
		}
		if err := g.Wait(); err != nil {
			return r.fail(msg, uuid.Nil, err)
		}
	}

	if err := r.sessions.Commit(ctx, session); err != nil {
		return r.fail(msg, uuid.Nil, err)
	}
	return nil
}

func (r *Repository[S]) sendToInstance(ctx context.Context, session *Session, msg *Message, instance S, policy Policy[S], next Pipe[S]) error {
	r.metrics.sent(r.sagaType, "existing")
	r.logger.Debug("saga instance used",
		zap.Stringer("correlationId", instance.GetCorrelationId()),
		zap.String("message", msg.TypeName()))

	c := r.bind(session, msg, instance)
	if err := policy.OnExisting(ctx, c, next); err != nil {
		return processingError(r.sagaType, msg, instance.GetCorrelationId(), err)
	}
	return nil
}

func (r *Repository[S]) fail(msg *Message, correlationId uuid.UUID, err error) error {
	err = processingError(r.sagaType, msg, correlationId, err)
	r.metrics.failed(r.sagaType, err)
	r.logger.Error("saga message failed",
		zap.String("message", msg.TypeName()),
		zap.Stringer("correlationId", correlationId),
		zap.Error(err))
	return err
}

//Correlation ids of the instances matching query.
func (r *Repository[S]) Find(ctx context.Context, query Filter) ([]uuid.UUID, error) {
	instances, err := r.query(ctx, query)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(instances))
	for _, instance := range instances {
		ids = append(ids, instance.GetCorrelationId())
	}
	return ids, nil
}

//Instances for which predicate holds.
func (r *Repository[S]) FindWhere(ctx context.Context, predicate func(S) bool) ([]S, error) {
	instances, err := r.query(ctx, nil)
	if err != nil {
		return nil, err
	}

	matching := make([]S, 0, len(instances))
	for _, instance := range instances {
		if predicate(instance) {
			matching = append(matching, instance)
		}
	}
	return matching, nil
}

func (r *Repository[S]) query(ctx context.Context, query Filter) ([]S, error) {
	session, err := r.sessions.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer r.sessions.Release(session)

	values, err := session.Query(ctx, r.sagaType, query, r.newValue)
	if err != nil {
		return nil, err
	}

	instances := make([]S, 0, len(values))
	for _, value := range values {
		instances = append(instances, value.(S))
	}
	return instances, nil
}

//Load the instance with the given correlation id.
func (r *Repository[S]) Load(ctx context.Context, correlationId uuid.UUID) (S, bool, error) {
	var zero S

	session, err := r.sessions.Open(ctx)
	if err != nil {
		return zero, false, err
	}
	defer r.sessions.Release(session)

	value, found, err := session.Load(ctx, DocumentKey(r.sagaType, correlationId), r.newValue)
	if err != nil || !found {
		return zero, false, err
	}
	return value.(S), true, nil
}
