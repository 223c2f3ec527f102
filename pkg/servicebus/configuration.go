package servicebus

import "go.uber.org/zap"

type OutgoingMutation func(ctx *OutgoingMessageContext)
type IncomingMutation func(ctx *IncomingMessageContext)
type RetryPolicy func(retryCount int, retry func() error) error

type MessageConfiguration struct {
	endpoint    *Endpoint
	messageType string
}

type OutgoingMessageConfiguration struct {
	messageConfiguration *MessageConfiguration
	mutations            []OutgoingMutation
	retryConfiguration   *RetryConfiguration
}

type RetryConfiguration struct {
	MaxRetries int
	Policy     RetryPolicy
}

//Mutates the outgoing message context with the given function. Multiple mutations will be executed in order of declaration.
func (config *OutgoingMessageConfiguration) Mutate(behavior OutgoingMutation) *OutgoingMessageConfiguration {
	config.mutations = append(config.mutations, behavior)
	return config
}

//Retry handing the message to the transport up to maxRetries times when it fails.
func (config *OutgoingMessageConfiguration) Retry(maxRetries int, policy RetryPolicy) *OutgoingMessageConfiguration {
	config.retryConfiguration = &RetryConfiguration{
		MaxRetries: maxRetries,
		Policy:     policy,
	}
	return config
}

type IncomingMessageConfiguration struct {
	messageConfiguration *MessageConfiguration
	handler              []func(ctx *IncomingMessageContext)
	mutations            []IncomingMutation
}

//Handles the incoming message context with the given function
func (config *IncomingMessageConfiguration) Handle(handler func(ctx *IncomingMessageContext)) *IncomingMessageConfiguration {
	endpoint := config.messageConfiguration.endpoint
	messageType := config.messageConfiguration.messageType

	config.handler = append(config.handler, handler)
	if err := endpoint.Transport.RegisterRouting(messageType); err != nil {
		endpoint.logger.Warn("registering route failed", zap.String("type", messageType), zap.Error(err))
	}
	return config
}

//Mutates the incoming message context with the given function. Multiple mutations will be executed in order of declaration.
func (config *IncomingMessageConfiguration) Mutate(behavior IncomingMutation) *IncomingMessageConfiguration {
	config.mutations = append(config.mutations, behavior)
	return config
}

//Declare this message configuration to be an incoming message.
func (config *MessageConfiguration) AsIncoming() *IncomingMessageConfiguration {
	return config.endpoint.createOrGetIncomingMessageConfig(config)
}

//Declare this message configuration to be an outgoing message.
func (config *MessageConfiguration) AsOutgoing() *OutgoingMessageConfiguration {
	return config.endpoint.createOrGetOutgoingMessageConfig(config)
}
