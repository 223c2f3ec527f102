package servicebus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus"
	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/retrypolicy"
	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga"
	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type OrderSaga struct {
	CorrelationId uuid.UUID `bson:"correlationId"`
	OrderId       string    `bson:"orderId"`
	Paid          bool      `bson:"paid"`
}

func (s *OrderSaga) GetCorrelationId() uuid.UUID {
	return s.CorrelationId
}

type StartOrder struct {
	OrderId string
}

type OrderPaid struct {
	OrderId string
}

func newOrderSaga(msg *saga.Message) *OrderSaga {
	return &OrderSaga{CorrelationId: *msg.CorrelationId}
}

var orderPipe = saga.PipeFunc[*OrderSaga](func(ctx context.Context, c *saga.ConsumeContext[*OrderSaga]) error {
	if start, err := saga.As[*StartOrder](c); err == nil {
		c.Saga().OrderId = start.Body.OrderId
		return nil
	}
	if _, err := saga.As[*OrderPaid](c); err == nil {
		c.Saga().Paid = true
		return nil
	}
	_, err := saga.As[*StartOrder](c)
	return err
})

// settlement captures how the handler settled a message.
type settlement struct {
	calls []string
}

func (s *settlement) message(messageType string, correlationId string, payload string) *servicebus.IncomingMessageContext {
	return &servicebus.IncomingMessageContext{
		Origin:        "OrderService",
		Type:          messageType,
		CorrelationId: correlationId,
		MessageId:     uuid.NewString(),
		Payload:       []byte(payload),
		Ack:           func() { s.calls = append(s.calls, "ack") },
		Retry:         func() { s.calls = append(s.calls, "retry") },
		Discard:       func() { s.calls = append(s.calls, "discard") },
		Fail:          func() { s.calls = append(s.calls, "fail") },
	}
}

func TestSagaHandler(t *testing.T) {
	store := memory.CreateMemoryStore()
	repository := saga.NewRepository[*OrderSaga](store)
	start := servicebus.SagaHandler[*OrderSaga, StartOrder](repository, saga.InitiatingPolicy(newOrderSaga, true), orderPipe)
	paid := servicebus.SagaHandler[*OrderSaga, OrderPaid](repository, saga.ExistingOnlyPolicy[*OrderSaga](false), orderPipe)
	id := uuid.New()
	s := &settlement{}

	start(s.message("StartOrder", id.String(), `{"OrderId":"A-1"}`))
	paid(s.message("OrderPaid", id.String(), `{"OrderId":"A-1"}`))

	assert.Equal(t, []string{"ack", "ack"}, s.calls)
	instance, found, err := repository.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A-1", instance.OrderId)
	assert.True(t, instance.Paid)
}

func TestSagaHandler_Failures(t *testing.T) {
	store := memory.CreateMemoryStore()
	repository := saga.NewRepository[*OrderSaga](store)
	logger := servicebus.WithSagaLogger(zaptest.NewLogger(t))
	id := uuid.NewString()

	tests := []struct {
		name    string
		handler func(*servicebus.IncomingMessageContext)
		message func(s *settlement) *servicebus.IncomingMessageContext
		want    string
	}{
		{
			name:    "correlation id is not a uuid",
			handler: servicebus.SagaHandler[*OrderSaga, StartOrder](repository, saga.InitiatingPolicy(newOrderSaga, false), orderPipe, logger),
			message: func(s *settlement) *servicebus.IncomingMessageContext {
				return s.message("StartOrder", "order-1", `{}`)
			},
			want: "fail",
		},
		{
			name:    "payload cannot be bound",
			handler: servicebus.SagaHandler[*OrderSaga, StartOrder](repository, saga.InitiatingPolicy(newOrderSaga, false), orderPipe, logger),
			message: func(s *settlement) *servicebus.IncomingMessageContext {
				return s.message("StartOrder", id, `{`)
			},
			want: "fail",
		},
		{
			name:    "pipeline expects another message",
			handler: servicebus.SagaHandler[*OrderSaga, MyMessage](repository, saga.InitiatingPolicy(newOrderSaga, false), orderPipe, logger),
			message: func(s *settlement) *servicebus.IncomingMessageContext {
				return s.message("MyMessage", id, `{}`)
			},
			want: "fail",
		},
		{
			name:    "saga not started yet",
			handler: servicebus.SagaHandler[*OrderSaga, OrderPaid](repository, saga.ExistingOnlyPolicy[*OrderSaga](false), orderPipe, logger),
			message: func(s *settlement) *servicebus.IncomingMessageContext {
				return s.message("OrderPaid", id, `{}`)
			},
			want: "fail",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &settlement{}
			tt.handler(tt.message(s))
			assert.Equal(t, []string{tt.want}, s.calls)
		})
	}
	assert.Equal(t, 0, store.Writes())
}

type MyMessage struct {
	Name string
}

func TestSagaHandler_RetriesBeforeRedelivery(t *testing.T) {
	repository := saga.NewRepository[*OrderSaga](memory.CreateMemoryStore())
	attempts := 0
	flaky := saga.PipeFunc[*OrderSaga](func(ctx context.Context, c *saga.ConsumeContext[*OrderSaga]) error {
		attempts++
		if attempts < 3 {
			return errors.New("payment service unavailable")
		}
		return nil
	})

	handler := servicebus.SagaHandler[*OrderSaga, StartOrder](repository, saga.InitiatingPolicy(newOrderSaga, false), flaky,
		servicebus.WithSagaRetry(2, retrypolicy.Immediate()))
	s := &settlement{}
	handler(s.message("StartOrder", uuid.NewString(), `{}`))

	assert.Equal(t, 3, attempts)
	assert.Equal(t, []string{"ack"}, s.calls)
}

func TestSagaHandler_MissingSagaIsRetriedThenFails(t *testing.T) {
	repository := saga.NewRepository[*OrderSaga](memory.CreateMemoryStore())
	id := uuid.New()
	start := servicebus.SagaHandler[*OrderSaga, StartOrder](repository, saga.InitiatingPolicy(newOrderSaga, false), orderPipe)

	attempts := 0
	startLate := func(retryCount int, retry func() error) error {
		attempts++
		if retryCount == 2 {
			start((&settlement{}).message("StartOrder", id.String(), `{"OrderId":"A-1"}`))
		}
		return retry()
	}
	paid := servicebus.SagaHandler[*OrderSaga, OrderPaid](repository, saga.ExistingOnlyPolicy[*OrderSaga](false), orderPipe,
		servicebus.WithSagaRetry(3, startLate), servicebus.WithSagaLogger(zaptest.NewLogger(t)))

	s := &settlement{}
	paid(s.message("OrderPaid", id.String(), `{"OrderId":"A-1"}`))
	assert.Equal(t, []string{"ack"}, s.calls)
	assert.Equal(t, 2, attempts)

	attempts = 0
	s = &settlement{}
	paid(s.message("OrderPaid", uuid.NewString(), `{"OrderId":"B-2"}`))
	assert.Equal(t, []string{"fail"}, s.calls)
	assert.Equal(t, 3, attempts)
}

func TestSagaHandler_PipelineSeesIncomingContext(t *testing.T) {
	repository := saga.NewRepository[*OrderSaga](memory.CreateMemoryStore())
	var messageId string
	pipe := saga.PipeFunc[*OrderSaga](func(ctx context.Context, c *saga.ConsumeContext[*OrderSaga]) error {
		in, ok := servicebus.IncomingContextFrom(ctx)
		if !ok {
			return errors.New("no incoming context")
		}
		messageId = in.MessageId
		return nil
	})

	handler := servicebus.SagaHandler[*OrderSaga, StartOrder](repository, saga.InitiatingPolicy(newOrderSaga, false), pipe)
	s := &settlement{}
	msg := s.message("StartOrder", uuid.NewString(), `{}`)
	handler(msg)

	assert.Equal(t, []string{"ack"}, s.calls)
	assert.Equal(t, msg.MessageId, messageId)
}

func TestSagaQueryHandler(t *testing.T) {
	repository := saga.NewRepository[*OrderSaga](memory.CreateMemoryStore())
	start := servicebus.SagaHandler[*OrderSaga, StartOrder](repository, saga.InitiatingPolicy(newOrderSaga, false), orderPipe)
	s := &settlement{}
	first, second := uuid.New(), uuid.New()
	start(s.message("StartOrder", first.String(), `{"OrderId":"A-1"}`))
	start(s.message("StartOrder", second.String(), `{"OrderId":"B-2"}`))

	paid := servicebus.SagaQueryHandler[*OrderSaga, OrderPaid](repository,
		func(body *OrderPaid) saga.Filter { return saga.Filter{"orderId": body.OrderId} },
		saga.ExistingOnlyPolicy[*OrderSaga](true), orderPipe)
	paid(s.message("OrderPaid", uuid.NewString(), `{"OrderId":"B-2"}`))

	assert.Equal(t, []string{"ack", "ack", "ack"}, s.calls)
	ids, err := repository.Find(context.Background(), saga.Filter{"paid": true})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{second}, ids)
}
