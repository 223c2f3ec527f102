package saga

import (
	"fmt"

	"github.com/google/uuid"
)

/*
Message holds the context of the message currently routed to a saga: its identity, headers, the
correlation id it carries (nil when it carries none) and the decoded body.
*/
type Message struct {
	MessageId     string
	MessageType   string
	CorrelationId *uuid.UUID
	Headers       map[string]interface{}
	Body          interface{}
}

//Create a message context with the given correlation id and body. The message type is derived from the body.
func NewMessage(correlationId uuid.UUID, body interface{}) *Message {
	return &Message{
		MessageId:     uuid.New().String(),
		CorrelationId: &correlationId,
		Headers:       make(map[string]interface{}),
		Body:          body,
	}
}

// TypeName is MessageType, or the Go type of the body when no type was set.
func (msg *Message) TypeName() string {
	if msg.MessageType != "" {
		return msg.MessageType
	}
	if msg.Body == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", msg.Body)
}
