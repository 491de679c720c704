// Package natspubsub implements transport.PubSub on core NATS. Topic names
// (chat.session.{id}.messages) are valid NATS subjects as-is.
package natspubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/transport"
)

type Client struct {
	nc *nats.Conn

	mu sync.Mutex
	cb transport.StateCallbacks
}

func New(url string) (*Client, error) {
	c := &Client{}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Errorf("nats transport disconnected: %v", err)
			if cb := c.callbacks(); cb.OnDisconnect != nil {
				cb.OnDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("nats transport reconnected")
			if cb := c.callbacks(); cb.OnConnect != nil {
				cb.OnConnect()
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			if cb := c.callbacks(); cb.OnError != nil {
				cb.OnError(err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.nc = nc
	return c, nil
}

func (c *Client) callbacks() transport.StateCallbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (c *Client) SetCallbacks(cb transport.StateCallbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *Client) Close() error {
	c.nc.Close()
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := c.nc.Publish(topic, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

type subscription struct {
	sub  *nats.Subscription
	once sync.Once
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.sub.Unsubscribe() })
	return err
}

func (c *Client) Subscribe(ctx context.Context, topic string, h transport.Handler) (transport.Subscription, error) {
	sub, err := c.nc.Subscribe(topic, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	// Flush so the subscription is active server-side before we return;
	// the controller relies on subscribe-after-fetch not racing forever.
	if err := c.nc.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush %s: %w", topic, err)
	}
	return &subscription{sub: sub}, nil
}
