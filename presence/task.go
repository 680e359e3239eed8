package presence

import (
	"context"
	"sync"
	"time"
)

// scheduledTask runs fn every interval between start and stop. Runs never
// overlap; a slow run delays the next tick.
type scheduledTask struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newScheduledTask(name string, interval time.Duration, fn func(ctx context.Context)) *scheduledTask {
	return &scheduledTask{name: name, interval: interval, fn: fn}
}

// start is a no-op when already running.
func (t *scheduledTask) start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)
}

// stop cancels the task and waits for an in-flight run to return.
func (t *scheduledTask) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *scheduledTask) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *scheduledTask) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}
