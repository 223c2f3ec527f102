package rabbitmq

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const reconnectDelay = 5 * time.Second

type Transport struct {
	Url               string
	InputQueue        Queue
	topology          Topology
	prefetch          int
	logger            *zap.Logger
	mu                sync.Mutex
	routingBuffer     []string
	started           bool
	connection        *amqp.Connection
	currentChannel    *amqp.Channel
	errorNotification chan *amqp.Error
	channelClosed     chan *amqp.Error
	messageReceived   chan *servicebus.IncomingMessageContext
}

type Queue struct {
	Name    string
	Durable bool
	AutoAck bool
	Args    amqp.Table
}

func (rmq *Transport) connect() error {
	conn, err := amqp.Dial(rmq.Url)
	if err != nil {
		return err
	}
	rmq.connection = conn

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	rmq.currentChannel = ch

	if rmq.prefetch > 0 {
		if err = ch.Qos(rmq.prefetch, 0, false); err != nil {
			_ = conn.Close()
			return err
		}
	}

	err = rmq.topology.Setup()
	if err != nil {
		_ = conn.Close()
		return err
	}

	rmq.errorNotification = conn.NotifyClose(make(chan *amqp.Error, 1))
	rmq.channelClosed = ch.NotifyClose(make(chan *amqp.Error, 1))

	return nil
}

/*
Create a new RabbitMQ Transport for the go-bus endpoint.
*/
func Create(url string, options ...func(*Transport)) *Transport {
	rmq := &Transport{
		Url:           url,
		InputQueue:    Queue{Durable: true},
		logger:        zap.NewNop(),
		routingBuffer: make([]string, 0),
	}

	UseDefaultTopology("amq.topic")(rmq)

	for _, option := range options {
		option(rmq)
	}

	return rmq
}

func (rmq *Transport) isConnected() bool {
	return rmq.started && rmq.connection != nil && !rmq.connection.IsClosed()
}

func (rmq *Transport) reconnect() {
	_ = rmq.connection.Close()

	for {
		rmq.logger.Warn("reconnecting to RabbitMQ", zap.String("queue", rmq.InputQueue.Name))
		err := rmq.Start(rmq.InputQueue.Name)
		if err == nil {
			return
		}
		rmq.logger.Error("reconnecting to RabbitMQ failed", zap.Error(err))
		time.Sleep(reconnectDelay)
	}
}

func (rmq *Transport) Start(endpointName string) error {
	rmq.mu.Lock()
	defer rmq.mu.Unlock()

	rmq.InputQueue.Name = endpointName

	err := rmq.connect()
	if err != nil {
		return err
	}

	for _, route := range rmq.routingBuffer {
		err = rmq.topology.RegisterRouting(route)
		if err != nil {
			return fmt.Errorf("register route %s: %w", route, err)
		}
	}

	msgs, err := rmq.currentChannel.Consume(
		rmq.InputQueue.Name,
		"",
		rmq.InputQueue.AutoAck,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume messages from queue %s: %w", rmq.InputQueue.Name, err)
	}
	rmq.started = true

	go rmq.consumeAndReconnect(msgs, rmq.errorNotification, rmq.channelClosed)

	return nil
}

func (rmq *Transport) consumeAndReconnect(msgs <-chan amqp.Delivery, connectionClosed <-chan *amqp.Error, channelClosed <-chan *amqp.Error) {
	reason := rmq.consume(msgs, connectionClosed, channelClosed)
	if reason == nil {
		rmq.logger.Info("RabbitMQ connection shut down", zap.String("queue", rmq.InputQueue.Name))
		return
	}
	rmq.logger.Warn("RabbitMQ connection lost", zap.String("queue", rmq.InputQueue.Name), zap.Error(reason))
	rmq.reconnect()
}

/*
consume forwards deliveries until the connection or the channel closes. The returned reason is nil when
it was closed gracefully.
*/
func (rmq *Transport) consume(msgs <-chan amqp.Delivery, connectionClosed <-chan *amqp.Error, channelClosed <-chan *amqp.Error) *amqp.Error {
	for {
		select {
		case reason := <-connectionClosed:
			return reason
		case reason := <-channelClosed:
			return reason
		case d, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			rmq.messageReceived <- rmq.createIncomingContext(d)
		}
	}
}

func (rmq *Transport) MessageReceived(eventChannel chan *servicebus.IncomingMessageContext) chan *servicebus.IncomingMessageContext {
	rmq.messageReceived = eventChannel
	return eventChannel
}

//Routes registered before the transport is started are bound once it connected.
func (rmq *Transport) RegisterRouting(route string) error {
	rmq.mu.Lock()
	defer rmq.mu.Unlock()

	rmq.routingBuffer = append(rmq.routingBuffer, route)
	if !rmq.isConnected() {
		return nil
	}

	err := rmq.topology.RegisterRouting(route)
	if err != nil {
		return fmt.Errorf("register route %s: %w", route, err)
	}
	return nil
}

func (rmq *Transport) UnregisterRouting(route string) error {
	rmq.mu.Lock()
	defer rmq.mu.Unlock()

	for i, r := range rmq.routingBuffer {
		if r == route {
			rmq.routingBuffer = append(rmq.routingBuffer[:i], rmq.routingBuffer[i+1:]...)
			break
		}
	}
	if !rmq.isConnected() {
		return nil
	}

	err := rmq.topology.UnregisterRouting(route)
	if err != nil {
		return fmt.Errorf("unregister route %s: %w", route, err)
	}
	return nil
}

func (rmq *Transport) Publish(ctx *servicebus.OutgoingMessageContext) error {
	msg, err := createTransportMessage(ctx)
	if err != nil {
		return err
	}
	return rmq.topology.Publish(msg)
}

func (rmq *Transport) Send(destination string, ctx *servicebus.OutgoingMessageContext) error {
	msg, err := createTransportMessage(ctx)
	if err != nil {
		return err
	}
	return rmq.topology.Send(destination, msg)
}

func (rmq *Transport) SendLocal(ctx *servicebus.OutgoingMessageContext) error {
	msg, err := createTransportMessage(ctx)
	if err != nil {
		return err
	}
	return rmq.topology.SendLocal(msg)
}

func createTransportMessage(ctx *servicebus.OutgoingMessageContext) (*amqp.Publishing, error) {
	payload, err := json.Marshal(ctx.Payload)
	if err != nil {
		return nil, err
	}

	ctx.Headers["Origin"] = ctx.Origin
	if !ctx.CorrelationTimestamp.IsZero() {
		ctx.Headers["CorrelationTimestamp"] = ctx.CorrelationTimestamp
	}
	if ctx.Version != "" {
		ctx.Headers["Version"] = ctx.Version
	}
	return &amqp.Publishing{
		ContentType:   "text/json",
		DeliveryMode:  amqp.Persistent,
		Body:          payload,
		Headers:       ctx.Headers,
		Priority:      ctx.Priority,
		MessageId:     ctx.MessageId,
		Timestamp:     ctx.Timestamp,
		Type:          ctx.Type,
		CorrelationId: ctx.CorrelationId,
	}, nil
}

// failedMessage is the copy of a delivery moved to the error queue.
func failedMessage(d amqp.Delivery) *amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["FailedAt"] = time.Now().UTC()
	return &amqp.Publishing{
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		Body:          d.Body,
		Headers:       headers,
		Priority:      d.Priority,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		CorrelationId: d.CorrelationId,
	}
}

func (rmq *Transport) createIncomingContext(d amqp.Delivery) *servicebus.IncomingMessageContext {
	ctx := new(servicebus.IncomingMessageContext)
	ctx.Headers = d.Headers
	ctx.Payload = d.Body
	ctx.Type = d.Type
	ctx.CorrelationId = d.CorrelationId
	ctx.MessageId = d.MessageId
	ctx.Timestamp = d.Timestamp
	ctx.Priority = d.Priority
	if origin, ok := d.Headers["Origin"]; ok {
		ctx.Origin = fmt.Sprint(origin)
	}
	if corrTime, ok := d.Headers["CorrelationTimestamp"].(time.Time); ok {
		ctx.CorrelationTimestamp = corrTime
	}
	ctx.Ack = func() {
		_ = d.Ack(false)
	}
	ctx.Retry = func() {
		_ = d.Reject(true)
	}
	ctx.Discard = func() {
		_ = d.Reject(false)
	}
	ctx.Fail = func() {
		err := rmq.topology.Fail(failedMessage(d))
		if err != nil {
			rmq.logger.Error("moving message to error queue failed",
				zap.String("messageId", d.MessageId),
				zap.Error(err))
			_ = d.Reject(true)
			return
		}
		_ = d.Ack(false)
	}
	return ctx
}

func (rmq *Transport) GetConnection() *amqp.Connection {
	return rmq.connection
}
