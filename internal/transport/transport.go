// Package transport defines the pub/sub fabric that fans chat events out to
// live subscribers. Delivery is at-least-once and carries no ordering
// guarantee across independent publishers; consumers deduplicate and re-sort.
//
// Implementations: redispubsub (default), natspubsub, memory (-dev/tests).
package transport

import "context"

// Topic naming is fixed for interoperability with other consumers:
// one message topic and one status topic per session.
const topicPrefix = "chat.session."

// MessageTopic returns the per-session topic for chat messages.
func MessageTopic(sessionID string) string {
	return topicPrefix + sessionID + ".messages"
}

// StatusTopic returns the per-session topic for lifecycle transitions.
func StatusTopic(sessionID string) string {
	return topicPrefix + sessionID + ".status"
}

// Handler receives a raw payload published to a topic. It is invoked on a
// transport-owned goroutine and must not block.
type Handler func(topic string, payload []byte)

// Subscription is one active topic subscription. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// StateCallbacks report connection state. Any field may be nil.
// OnDisconnect fires when the transport loses its server connection;
// OnConnect fires on both initial connect and reconnect.
type StateCallbacks struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnError      func(err error)
}

// PubSub is the transport consumed by the relay and the session controllers.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	// SetCallbacks registers connection-state callbacks. Must be called
	// before the first Subscribe.
	SetCallbacks(cb StateCallbacks)
	Close() error
}
