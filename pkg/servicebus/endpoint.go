package servicebus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Endpoint struct {
	Name             string
	Transport        Transport
	incomingMessages map[string]*IncomingMessageConfiguration
	outgoingMessages map[string]*OutgoingMessageConfiguration
	logger           *zap.Logger
	concurrency      int
	done             chan struct{}
}

/*
Create a new service bus Endpoint by providing a transport e.g. RabbitMQ, MSMQ, Kafka, etc.
*/
func Create(name string, transport Transport, options ...func(endpoint *Endpoint)) *Endpoint {
	endpoint := &Endpoint{
		Name:             name,
		Transport:        transport,
		incomingMessages: make(map[string]*IncomingMessageConfiguration),
		outgoingMessages: make(map[string]*OutgoingMessageConfiguration),
		logger:           zap.NewNop(),
		concurrency:      1,
	}

	for _, option := range options {
		option(endpoint)
	}
	endpoint.logger = endpoint.logger.With(zap.String("endpoint", name))

	return endpoint
}

func (endpoint *Endpoint) createOrGetIncomingMessageConfig(mc *MessageConfiguration) *IncomingMessageConfiguration {
	if endpoint.incomingMessages[mc.messageType] == nil {
		endpoint.incomingMessages[mc.messageType] = &IncomingMessageConfiguration{
			messageConfiguration: mc,
		}
	}
	return endpoint.incomingMessages[mc.messageType]
}

func (endpoint *Endpoint) createOrGetOutgoingMessageConfig(mc *MessageConfiguration) *OutgoingMessageConfiguration {
	if endpoint.outgoingMessages[mc.messageType] == nil {
		endpoint.outgoingMessages[mc.messageType] = &OutgoingMessageConfiguration{
			messageConfiguration: mc,
		}
	}
	return endpoint.outgoingMessages[mc.messageType]
}

//Declare a message configuration.
func (endpoint *Endpoint) Message(messageType string) *MessageConfiguration {
	return &MessageConfiguration{
		messageType: messageType,
		endpoint:    endpoint,
	}
}

/*
Start receiving message with the ServiceBus. Messages are handled until ctx is cancelled. Message
configurations must be declared before the endpoint is started.
*/
func (endpoint *Endpoint) Start(ctx context.Context) error {
	received := endpoint.Transport.MessageReceived(make(chan *IncomingMessageContext))
	endpoint.done = make(chan struct{})
	go endpoint.handleReceivedMessages(ctx, received)

	err := endpoint.Transport.Start(endpoint.Name)
	if err != nil {
		return err
	}

	endpoint.logger.Info("endpoint started", zap.Int("concurrency", endpoint.concurrency))
	return nil
}

//Closed once the endpoint stopped handling messages after its context was cancelled.
func (endpoint *Endpoint) Done() <-chan struct{} {
	return endpoint.done
}

/*
Publish a message to all subscribers
*/
func (endpoint *Endpoint) Publish(messageType string, msg interface{}, options ...OutgoingMutation) error {
	ctx := endpoint.createMessageContext(messageType, msg, options)
	if ctx.IsCancelled {
		return nil
	}

	return endpoint.dispatch(messageType, func() error {
		return endpoint.Transport.Publish(ctx)
	})
}

/*
Send a message to a specific Endpoint
*/
func (endpoint *Endpoint) Send(messageType string, destination string, msg interface{}, options ...OutgoingMutation) error {
	ctx := endpoint.createMessageContext(messageType, msg, options)
	if ctx.IsCancelled {
		return nil
	}

	return endpoint.dispatch(messageType, func() error {
		return endpoint.Transport.Send(destination, ctx)
	})
}

/*
Send the message to the local Endpoint
*/
func (endpoint *Endpoint) SendLocal(messageType string, msg interface{}, options ...OutgoingMutation) error {
	ctx := endpoint.createMessageContext(messageType, msg, options)
	if ctx.IsCancelled {
		return nil
	}

	return endpoint.dispatch(messageType, func() error {
		return endpoint.Transport.SendLocal(ctx)
	})
}

// dispatch hands a message to the transport, retrying as configured for its message type.
func (endpoint *Endpoint) dispatch(messageType string, send func() error) error {
	err := send()
	if err == nil {
		return nil
	}

	config, ok := endpoint.outgoingMessages[messageType]
	if !ok || config.retryConfiguration == nil || config.retryConfiguration.Policy == nil {
		return err
	}

	retry := config.retryConfiguration
	for retryCount := 1; err != nil && retryCount <= retry.MaxRetries; retryCount++ {
		endpoint.logger.Warn("dispatching message failed, retrying",
			zap.String("type", messageType),
			zap.Int("retry", retryCount),
			zap.Error(err))
		err = retry.Policy(retryCount, send)
	}
	return err
}

func (endpoint *Endpoint) handleReceivedMessages(ctx context.Context, received chan *IncomingMessageContext) {
	defer close(endpoint.done)

	var handlers errgroup.Group
	handlers.SetLimit(endpoint.concurrency)
	defer handlers.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-received:
			handlers.Go(func() error {
				endpoint.handleMessage(ctx, msg)
				return nil
			})
		}
	}
}

func (endpoint *Endpoint) handleMessage(ctx context.Context, msg *IncomingMessageContext) {
	msg.setEndpoint(endpoint)
	msg.ctx = ctx

	if err := msg.validate(); err != nil {
		endpoint.logger.Warn("discarding invalid message", zap.String("messageId", msg.MessageId), zap.Error(err))
		msg.Discard()
		return
	}

	config, ok := endpoint.incomingMessages[msg.Type]
	if !ok {
		endpoint.logger.Warn("discarding message without handler", zap.String("type", msg.Type))
		_ = endpoint.Transport.UnregisterRouting(msg.Type) //unregister routing from transport as there is no handler any more.
		msg.Discard()
		return
	}

	for _, mutation := range config.mutations {
		mutation(msg)
	}

	for _, handler := range config.handler {
		handler(msg)
	}
}

func (endpoint *Endpoint) createMessageContext(messageType string, payload interface{}, mutations []OutgoingMutation) *OutgoingMessageContext {
	ctx := CreateOutgoingContext(endpoint)
	ctx.Payload = payload
	ctx.Type = messageType
	ctx.MessageId = uuid.New().String()
	ctx.Timestamp = time.Now().UTC()
	ctx.Origin = endpoint.Name
	ctx.Headers = make(map[string]interface{})

	if _, ok := endpoint.outgoingMessages[""]; ok {
		for _, mutation := range endpoint.outgoingMessages[""].mutations {
			mutation(ctx)
		}
	}

	if _, ok := endpoint.outgoingMessages[messageType]; ok {
		for _, mutation := range endpoint.outgoingMessages[ctx.Type].mutations {
			mutation(ctx)
		}
	}

	for _, mutation := range mutations {
		mutation(ctx)
	}

	if ctx.CorrelationId == "" {
		ctx.CorrelationId = ctx.MessageId
		ctx.CorrelationTimestamp = ctx.Timestamp
	}

	return ctx
}
