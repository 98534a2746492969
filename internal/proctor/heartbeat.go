package proctor

import (
	"context"
	"sync"
	"time"
)

// Ticker is the subset of time.Ticker the heartbeat needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// PingFunc performs one liveness round trip.
type PingFunc func(ctx context.Context) error

// FailureFunc receives a failed ping. ctx is cancelled when the heartbeat
// stops, so the callback must give up on ctx.Done instead of blocking.
type FailureFunc func(ctx context.Context, err error)

// Heartbeat pings on a fixed interval and reports every failure. A failed
// ping is only a sign of instability, so nothing here escalates.
type Heartbeat struct {
	interval  time.Duration
	timeout   time.Duration
	ping      PingFunc
	onFailure FailureFunc
	newTicker TickerFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat creates a stopped Heartbeat. A nil newTicker uses the real clock.
func NewHeartbeat(interval, timeout time.Duration, ping PingFunc, onFailure FailureFunc, newTicker TickerFunc) *Heartbeat {
	if newTicker == nil {
		newTicker = NewRealTicker
	}
	return &Heartbeat{
		interval:  interval,
		timeout:   timeout,
		ping:      ping,
		onFailure: onFailure,
		newTicker: newTicker,
	}
}

// Start launches the ticking goroutine. Calling Start on a running heartbeat
// is a no-op.
func (h *Heartbeat) Start(parent context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.done = make(chan struct{})

	t := h.newTicker(h.interval)
	go h.run(ctx, t, h.done)
}

// Stop cancels the ticker and waits for the goroutine to exit. After Stop
// returns no further ping is issued and no failure is reported.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the goroutine is active.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

func (h *Heartbeat) run(ctx context.Context, t Ticker, done chan struct{}) {
	defer close(done)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if err := h.tick(ctx); err != nil && ctx.Err() == nil {
				h.onFailure(ctx, err)
			}
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	return h.ping(ctx)
}
