package mutation

import (
	"time"

	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus"
	"github.com/google/uuid"
)

func Header(key string, value interface{}) servicebus.OutgoingMutation {
	return func(ctx *servicebus.OutgoingMessageContext) {
		ctx.Headers[key] = value
	}
}

func Priority(priority uint8) servicebus.OutgoingMutation {
	return func(ctx *servicebus.OutgoingMessageContext) {
		ctx.Priority = priority
	}
}

func Version(version string) servicebus.OutgoingMutation {
	return func(ctx *servicebus.OutgoingMessageContext) {
		ctx.Version = version
	}
}

//Correlate the message with the saga instance of the given id, e.g. to start a saga with a known id.
func CorrelationId(id uuid.UUID) servicebus.OutgoingMutation {
	return func(ctx *servicebus.OutgoingMessageContext) {
		ctx.CorrelationId = id.String()
		ctx.CorrelationTimestamp = time.Now().UTC()
	}
}
