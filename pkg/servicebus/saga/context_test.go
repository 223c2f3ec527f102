package saga_test

import (
	"context"
	"testing"

	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga"
	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAs(t *testing.T) {
	id := uuid.New()
	msg := saga.NewMessage(id, &InitiateSimpleSaga{Name: "typed"})
	c := saga.NewConsumeContext(msg, &SimpleSaga{CorrelationId: id})

	typed, err := saga.As[*InitiateSimpleSaga](c)
	require.NoError(t, err)
	assert.Equal(t, "typed", typed.Body.Name)
	assert.Same(t, c.Saga(), typed.Saga())

	require.NoError(t, typed.MarkCompleted())
	assert.True(t, c.IsCompleted())
}

func TestAs_WrongMessageType(t *testing.T) {
	msg := saga.NewMessage(uuid.New(), &CompleteSimpleSaga{})
	c := saga.NewConsumeContext(msg, &SimpleSaga{})

	_, err := saga.As[*InitiateSimpleSaga](c)

	var cast *saga.ContextCastError
	require.ErrorAs(t, err, &cast)
	assert.Equal(t, "*saga_test.CompleteSimpleSaga", cast.From)
	assert.Equal(t, "*saga_test.InitiateSimpleSaga", cast.To)
}

func TestConsumeContext_CorrelationIds(t *testing.T) {
	sagaId, messageId := uuid.New(), uuid.New()
	msg := saga.NewMessage(messageId, &ObservableSagaMessage{})
	c := saga.NewConsumeContext(msg, &SimpleSaga{CorrelationId: sagaId})

	assert.Equal(t, sagaId, c.CorrelationId())
	assert.Equal(t, messageId, *c.MessageCorrelationId())
}

func TestConsumeContext_TypedPipeline(t *testing.T) {
	ctx := context.Background()
	store := memory.CreateMemoryStore()
	repository := newRepository(t, store)
	id := uuid.New()

	pipe := saga.PipeFunc[*SimpleSaga](func(ctx context.Context, c *saga.ConsumeContext[*SimpleSaga]) error {
		typed, err := saga.As[*InitiateSimpleSaga](c)
		if err != nil {
			return err
		}
		typed.Saga().Name = typed.Body.Name
		return nil
	})

	require.NoError(t, repository.Send(ctx, initiate(id, "typed"), saga.InitiatingPolicy(newSimpleSaga, false), pipe))
	err := repository.Send(ctx, complete(id), saga.ExistingOnlyPolicy[*SimpleSaga](false), pipe)

	var cast *saga.ContextCastError
	assert.ErrorAs(t, err, &cast)
	instance, found, err := repository.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "typed", instance.Name)
}
