package servicebus

/*
Transport moves messages between endpoints, e.g. RabbitMQ. Received messages are delivered on the channel
handed to MessageReceived, which the Endpoint does before calling Start.
*/
type Transport interface {
	Start(endpointName string) error
	RegisterRouting(route string) error
	UnregisterRouting(route string) error
	Publish(message *OutgoingMessageContext) error
	Send(destination string, command *OutgoingMessageContext) error
	SendLocal(command *OutgoingMessageContext) error
	MessageReceived(chan *IncomingMessageContext) chan *IncomingMessageContext
}
