// Package redispubsub implements transport.PubSub on Redis Pub/Sub.
package redispubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/transport"
)

// pingInterval drives the connection monitor that feeds the state callbacks.
// go-redis reconnects on its own; the monitor only makes the state observable.
const pingInterval = 5 * time.Second

type Client struct {
	cli *redis.Client

	mu        sync.Mutex
	cb        transport.StateCallbacks
	connected bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	c := &Client{cli: cli, connected: true, done: make(chan struct{})}
	c.wg.Add(1)
	go c.monitor()
	return c, nil
}

func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return c.cli.Close()
}

func (c *Client) SetCallbacks(cb transport.StateCallbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := c.cli.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

type subscription struct {
	ps   *redis.PubSub
	once sync.Once
	wg   *sync.WaitGroup
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		s.wg.Wait()
	})
	return err
}

func (c *Client) Subscribe(ctx context.Context, topic string, h transport.Handler) (transport.Subscription, error) {
	ps := c.cli.Subscribe(ctx, topic)
	// Wait for the subscribe ack so no publish after this call is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	sub := &subscription{ps: ps, wg: &sync.WaitGroup{}}
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		for msg := range ps.Channel() {
			h(msg.Channel, []byte(msg.Payload))
		}
	}()
	return sub, nil
}

// monitor pings Redis periodically and reports state transitions through the
// registered callbacks.
func (c *Client) monitor() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := c.cli.Ping(ctx).Err()
			cancel()
			c.report(err)
		}
	}
}

func (c *Client) report(err error) {
	c.mu.Lock()
	cb := c.cb
	was := c.connected
	c.connected = err == nil
	now := c.connected
	c.mu.Unlock()

	switch {
	case was && !now:
		logger.Errorf("redis transport disconnected: %v", err)
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(err)
		}
	case !was && now:
		logger.Info("redis transport reconnected")
		if cb.OnConnect != nil {
			cb.OnConnect()
		}
	case err != nil && cb.OnError != nil:
		cb.OnError(err)
	}
}
