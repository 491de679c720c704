// Package memory implements transport.PubSub in-process for -dev mode and
// tests. Tests can inject publish failures and simulate disconnects.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/storechat/internal/transport"
)

var ErrClosed = errors.New("bus closed")

type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	cb     transport.StateCallbacks
	closed bool

	// PublishErr, when set, is returned by every Publish. Test hook.
	PublishErr error
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[*subscription]struct{})}
}

func (b *Bus) SetCallbacks(cb transport.StateCallbacks) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()
	return nil
}

type subscription struct {
	bus   *Bus
	topic string
	h     transport.Handler
	once  sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.topic)
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string, h transport.Handler) (transport.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &subscription{bus: b, topic: topic, h: h}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	return sub, nil
}

// Publish delivers synchronously to current subscribers. Payloads are shared,
// not copied: handlers must not mutate them (they don't; all consumers decode).
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.PublishErr != nil {
		err := b.PublishErr
		b.mu.Unlock()
		return err
	}
	targets := make([]*subscription, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.h(topic, payload)
	}
	return nil
}

// SimulateDisconnect fires the disconnect callback, then the reconnect one if
// reconnect is true. Test hook for controller resync behavior.
func (b *Bus) SimulateDisconnect(err error, reconnect bool) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	if cb.OnDisconnect != nil {
		cb.OnDisconnect(err)
	}
	if reconnect && cb.OnConnect != nil {
		cb.OnConnect()
	}
}
