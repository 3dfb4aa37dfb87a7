// Package heartbeat keeps the network path to the backend warm while
// long-running synthesis jobs are outstanding.
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-jobs/internal/core"
)

const (
	// DefaultInterval is the period between pings.
	DefaultInterval = 30 * time.Second
	// DefaultTimeout bounds a single ping.
	DefaultTimeout = 10 * time.Second
)

// Heartbeat is a reference-counted keep-alive. The ping loop runs only while
// at least one registration is outstanding. Ping failures are logged and
// otherwise ignored.
type Heartbeat struct {
	pinger   core.Pinger
	interval time.Duration
	timeout  time.Duration
	log      *logger.Logger

	mu     sync.Mutex
	active int
	cancel context.CancelFunc

	pings    atomic.Int64
	failures atomic.Int64
}

// New creates an idle heartbeat. Non-positive durations fall back to the
// defaults.
func New(pinger core.Pinger, interval, timeout time.Duration, log *logger.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Heartbeat{
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// Start registers one active job. The ping loop starts on the 0→1 transition.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.active++
	if h.active > 1 || h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go h.loop(ctx)
}

// Stop releases one registration. The ping loop stops on the 1→0
// transition. Extra calls are ignored.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active == 0 {
		return
	}

	h.active--
	if h.active > 0 || h.cancel == nil {
		return
	}

	h.cancel()
	h.cancel = nil
}

// ActiveCount returns the number of outstanding registrations.
func (h *Heartbeat) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.active
}

// Running reports whether the ping loop is live.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cancel != nil
}

// Pings returns the number of pings attempted since creation.
func (h *Heartbeat) Pings() int64 {
	return h.pings.Load()
}

func (h *Heartbeat) loop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ping(ctx)
		}
	}
}

func (h *Heartbeat) ping(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.pings.Add(1)

	err := h.pinger.HealthCheck(pingCtx)
	if err != nil && ctx.Err() == nil {
		failures := h.failures.Add(1)
		h.log.Warn("Keep-alive ping failed (%d failures so far): %v", failures, err)
	}
}
