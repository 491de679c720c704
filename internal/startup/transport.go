package startup

import (
	"context"
	"os"
	"time"

	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/transport/natspubsub"
	"github.com/storechat/internal/transport/redispubsub"
)

// ConnectRedisWithRetry connects the Redis pub/sub transport with retries.
// logPrefix is prepended to log lines (e.g. "api: ").
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redispubsub.Client {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redispubsub.New(ctx, redisURL)
		cancel()
		if err != nil {
			if time.Now().After(deadline) {
				logger.Errorf("%sredis (gave up after %v): %v", logPrefix, maxWait, err)
				os.Exit(1)
			}
			logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, backoff, err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return client
	}
}

// ConnectNATSWithRetry connects the NATS pub/sub transport with retries. The
// client reconnects on its own afterwards; this only covers initial startup.
func ConnectNATSWithRetry(natsURL string, maxWait time.Duration, logPrefix string) *natspubsub.Client {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		client, err := natspubsub.New(natsURL)
		if err != nil {
			if time.Now().After(deadline) {
				logger.Errorf("%snats (gave up after %v): %v", logPrefix, maxWait, err)
				os.Exit(1)
			}
			logger.Errorf("%snats connect failed, retry in %v: %v", logPrefix, backoff, err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return client
	}
}
