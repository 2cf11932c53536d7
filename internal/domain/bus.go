package domain

import (
	"context"
)

// EventBus defines the interface for event-driven notifications out of the
// engine: scores, alerts, case activity, and config reloads. Presentation
// and downstream consumers subscribe; the engine never reads its own events.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active topic subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// Event topics published by the engine.
const (
	TopicScoreComputed  = "score.computed"
	TopicAlertRaised    = "alert.raised"
	TopicCaseUpdated    = "case.updated"
	TopicConfigReloaded = "config.reloaded"
)

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is "channel" or "nats"
	Type string

	// Channel bus settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}
