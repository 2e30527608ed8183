package review

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zhentan/cosigner/internal/metrics"
	"github.com/zhentan/cosigner/internal/txqueue"
)

// Timer samples the in-review backlog and, when a timeout is configured,
// rejects records that have waited longer than it.
type Timer struct {
	gateway  *Gateway
	queue    *txqueue.Queue
	timeout  time.Duration
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a timer. A zero timeout disables expiry; the backlog
// gauge is still sampled.
func NewTimer(gateway *Gateway, queue *txqueue.Queue, timeout time.Duration, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	interval := 30 * time.Second
	if timeout > 0 && timeout/4 < interval {
		interval = max(timeout/4, time.Second)
	}
	return &Timer{
		gateway:  gateway,
		queue:    queue,
		timeout:  timeout,
		interval: interval,
		batch:    sweepBatch,
		now:      time.Now,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx ends or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	if t.timeout <= 0 {
		t.logger.Info("review timeout disabled, in-review records wait for a human")
	} else {
		t.logger.Info("review timeout enabled", "timeout", t.timeout)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in review timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

// sweepBatch bounds how many in-review records one sweep inspects.
const sweepBatch = 500

// sweep returns the number of records it expired. It reads the oldest
// records first; expired ones leave the in-review set, so a large backlog
// drains over successive sweeps.
func (t *Timer) sweep(ctx context.Context) int {
	waiting, err := t.queue.OldestByStatus(ctx, txqueue.StatusInReview, t.batch)
	if err != nil {
		t.logger.Warn("failed to list in-review transactions", "error", err)
		return 0
	}
	metrics.InReviewGauge.Set(float64(len(waiting)))
	if t.timeout <= 0 {
		return 0
	}

	now := t.now()
	expired := 0
	for _, tx := range waiting {
		if tx.ReviewStartedAt == nil || now.Sub(*tx.ReviewStartedAt) < t.timeout {
			continue
		}
		res, err := t.gateway.Expire(ctx, tx.ID)
		if err != nil {
			t.logger.Warn("failed to expire review", "tx_id", tx.ID, "error", err)
			continue
		}
		if res.Outcome == OutcomeRejected {
			expired++
			t.logger.Info("review expired", "tx_id", tx.ID, "waited", now.Sub(*tx.ReviewStartedAt).Round(time.Second))
		}
	}
	return expired
}
