// Package types provides core types used across the opsflow runtime.
// This package has ZERO dependencies on other opsflow packages to avoid circular imports.
// All other packages should import types from here.
package types

import (
	"encoding/json"
	"time"
)

// MessageKind distinguishes fan-out events from direct messages.
type MessageKind string

const (
	KindEvent  MessageKind = "event"
	KindDirect MessageKind = "direct"
)

// Message is the bus envelope. Events carry a topic and fan out to
// subscribers; direct messages carry a recipient and land in exactly one
// mailbox. Messages live only in bounded history and per-recipient queues.
type Message struct {
	ID        string          `json:"id"`
	Kind      MessageKind     `json:"kind"`
	Topic     string          `json:"topic,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Sender    string          `json:"sender"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates an event message for the given topic.
// The caller assigns the ID before publishing.
func NewEvent(topic, sender string, payload json.RawMessage) Message {
	return Message{
		Kind:      KindEvent,
		Topic:     topic,
		Sender:    sender,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewDirect creates a direct message for the given recipient.
func NewDirect(sender, recipient string, payload json.RawMessage) Message {
	return Message{
		Kind:      KindDirect,
		Recipient: recipient,
		Sender:    sender,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// IsEvent reports whether the message is a fan-out event.
func (m Message) IsEvent() bool {
	return m.Kind == KindEvent
}
