package rabbitmq

import (
	"github.com/streadway/amqp"
)

type Topology interface {
	Setup() error
	RegisterRouting(route string) error
	UnregisterRouting(route string) error
	Publish(msg *amqp.Publishing) error
	Send(destination string, msg *amqp.Publishing) error
	SendLocal(msg *amqp.Publishing) error
	Fail(msg *amqp.Publishing) error
}

/*
DefaultTopology publishes events to a topic exchange routed by message type and sends commands straight to
the queue of the destination endpoint. Failed messages are moved to the "<endpoint>.error" queue.
*/
type DefaultTopology struct {
	Transport *Transport
	Exchange  string
}

func (t *DefaultTopology) errorQueue() string {
	return t.Transport.InputQueue.Name + ".error"
}

func (t *DefaultTopology) Setup() error {
	channel := t.Transport.currentChannel
	err := channel.ExchangeDeclare(
		t.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil)
	if err != nil {
		return err
	}

	_, err = channel.QueueDeclare(
		t.Transport.InputQueue.Name,
		t.Transport.InputQueue.Durable,
		false,
		false,
		false,
		t.Transport.InputQueue.Args)
	if err != nil {
		return err
	}

	_, err = channel.QueueDeclare(t.errorQueue(), true, false, false, false, nil)
	return err
}

func (t *DefaultTopology) RegisterRouting(route string) error {
	return t.Transport.currentChannel.QueueBind(t.Transport.InputQueue.Name, route, t.Exchange, false, nil)
}

func (t *DefaultTopology) UnregisterRouting(route string) error {
	return t.Transport.currentChannel.QueueUnbind(t.Transport.InputQueue.Name, route, t.Exchange, nil)
}

func (t *DefaultTopology) Publish(msg *amqp.Publishing) error {
	return t.Transport.currentChannel.Publish(t.Exchange, msg.Type, false, false, *msg)
}

func (t *DefaultTopology) Send(destination string, msg *amqp.Publishing) error {
	return t.Transport.currentChannel.Publish("", destination, false, false, *msg)
}

func (t *DefaultTopology) SendLocal(msg *amqp.Publishing) error {
	return t.Transport.currentChannel.Publish("", t.Transport.InputQueue.Name, false, false, *msg)
}

func (t *DefaultTopology) Fail(msg *amqp.Publishing) error {
	return t.Transport.currentChannel.Publish("", t.errorQueue(), false, false, *msg)
}
