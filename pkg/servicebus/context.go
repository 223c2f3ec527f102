package servicebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type OutgoingMessageContext struct {
	Origin               string
	Type                 string
	CorrelationId        string
	CorrelationTimestamp time.Time
	MessageId            string
	Timestamp            time.Time
	Payload              interface{}
	Priority             uint8
	Headers              map[string]interface{}
	endpoint             *Endpoint
	Version              string
	IsCancelled          bool
}

func CreateOutgoingContext(endpoint *Endpoint) *OutgoingMessageContext {
	return &OutgoingMessageContext{
		endpoint: endpoint,
	}
}

func (msg *OutgoingMessageContext) Cancel() {
	msg.IsCancelled = true
}

/*
The IncomingMessageContext holds the message information of the Endpoint instance that handled the message.
Exactly one of Ack, Retry, Discard or Fail should be called once the message has been handled.
*/
type IncomingMessageContext struct {
	Headers              map[string]interface{}
	Origin               string
	Payload              []byte
	Type                 string
	CorrelationId        string
	CorrelationTimestamp time.Time
	MessageId            string
	Timestamp            time.Time
	Priority             uint8
	endpoint             *Endpoint
	ctx                  context.Context
	Ack                  func()
	Retry                func()
	Discard              func()
	Fail                 func()
}

type incomingContextKey struct{}

//Attach the incoming message context to ctx, so saga pipelines can reply, send and publish.
func WithIncomingContext(ctx context.Context, msg *IncomingMessageContext) context.Context {
	return context.WithValue(ctx, incomingContextKey{}, msg)
}

//The incoming message context attached to ctx by WithIncomingContext.
func IncomingContextFrom(ctx context.Context) (*IncomingMessageContext, bool) {
	msg, ok := ctx.Value(incomingContextKey{}).(*IncomingMessageContext)
	return msg, ok
}

func (msg *IncomingMessageContext) setEndpoint(endpoint *Endpoint) {
	msg.endpoint = endpoint
}

//Context of the endpoint receiving the message. It is cancelled when the endpoint stops.
func (msg *IncomingMessageContext) Context() context.Context {
	if msg.ctx == nil {
		return context.Background()
	}
	return msg.ctx
}

func (msg *IncomingMessageContext) validate() error {
	if msg.Origin == "" {
		return errors.New("Message has no Origin.")
	}
	if msg.Type == "" {
		return errors.New("Message has no Type.")
	}
	if msg.MessageId == "" {
		return errors.New("Message has no MessageId.")
	}
	if msg.CorrelationId == "" {
		return errors.New("Message has no CorrelationId.")
	}
	return nil
}

/*
Bind the message payload to a struct object
*/
func (msg *IncomingMessageContext) Bind(obj interface{}) error {
	if err := json.Unmarshal(msg.Payload, obj); err != nil {
		return fmt.Errorf("bind payload of %s: %w", msg.Type, err)
	}
	return nil
}

// follow-up messages keep the correlation of the message being handled
func (msg *IncomingMessageContext) correlate(options []OutgoingMutation) []OutgoingMutation {
	return append(options, func(m *OutgoingMessageContext) {
		m.CorrelationId = msg.CorrelationId
		m.CorrelationTimestamp = msg.CorrelationTimestamp
	})
}

/*
Reply with a message to the origin of the current message context.
*/
func (msg *IncomingMessageContext) Reply(messageType string, payload interface{}, options ...OutgoingMutation) error {
	return msg.endpoint.Send(messageType, msg.Origin, payload, msg.correlate(options)...)
}

/*
Send a message to a specific Endpoint.
*/
func (msg *IncomingMessageContext) Send(messageType string, destination string, payload interface{}, options ...OutgoingMutation) error {
	return msg.endpoint.Send(messageType, destination, payload, msg.correlate(options)...)
}

/*
Publish a message to all subscribers.
*/
func (msg *IncomingMessageContext) Publish(messageType string, payload interface{}, options ...OutgoingMutation) error {
	return msg.endpoint.Publish(messageType, payload, msg.correlate(options)...)
}

/*
Send the message to the local Endpoint.
*/
func (msg *IncomingMessageContext) SendLocal(messageType string, payload interface{}, options ...OutgoingMutation) error {
	return msg.endpoint.SendLocal(messageType, payload, msg.correlate(options)...)
}
