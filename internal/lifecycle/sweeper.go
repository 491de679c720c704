package lifecycle

import (
	"context"
	"time"

	"github.com/storechat/internal/logger"
)

// Sweeper closes waiting sessions that nobody claimed within maxWait, so
// abandoned sessions stop appearing in the staff queue. Each pass is
// idempotent and confined to the waiting status: a session that was claimed
// or closed between the listing and the conditional close is left untouched.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	maxWait  time.Duration
}

func NewSweeper(manager *Manager, interval, maxWait time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Minute
	}
	return &Sweeper{manager: manager, interval: interval, maxWait: maxWait}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Exported so tests and admin tooling can trigger
// it directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	defer logger.DeferLogDuration("lifecycle.Sweep", time.Now())()
	waiting, err := s.manager.ListWaiting(ctx)
	if err != nil {
		logger.Errorf("sweeper list waiting: %v", err)
		return
	}
	cutoff := time.Now().UTC().Add(-s.maxWait)
	for i := range waiting {
		sess := &waiting[i]
		if sess.CreatedAt.After(cutoff) {
			continue
		}
		closed, err := s.manager.closeIfWaiting(ctx, sess.ID)
		if err != nil {
			logger.Errorf("sweeper close session=%s: %v", sess.ID, err)
			continue
		}
		if closed == nil {
			// Claimed or closed since the listing.
			continue
		}
		logger.Infof("sweeper closed abandoned session=%s age=%s", sess.ID, time.Since(sess.CreatedAt).Truncate(time.Second))
	}
}
