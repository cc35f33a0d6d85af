// Package scheduler runs repeating background work.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Func is one tick of work. Returned errors are logged and counted; they do
// not stop the task.
type Func func(ctx context.Context) error

// Task calls a Func on a fixed interval. Ticks run on the task's own
// goroutine, so a tick never starts while the previous one is still running;
// time.Ticker drops ticks that arrive while a tick is in flight, leaving at
// most one pending.
type Task struct {
	name     string
	interval time.Duration
	fn       Func
	log      logrus.FieldLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	runs     atomic.Int64
	failures atomic.Int64
}

// Stats are counters for a task.
type Stats struct {
	Runs     int64
	Failures int64
}

// NewTask returns a stopped task. interval must be positive.
func NewTask(name string, interval time.Duration, fn Func, log logrus.FieldLogger) *Task {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		log:      log.WithField("task", name),
	}
}

// Start launches the task. Calling Start on a started task is a no-op.
func (t *Task) Start() error {
	if t.interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %s", t.name, t.interval)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)
	return nil
}

// Stop cancels the task and waits for an in-flight tick to return.
func (t *Task) Stop() {
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

// Running reports whether a tick is executing right now.
func (t *Task) Running() bool {
	return t.running.Load()
}

// Stats returns the task counters.
func (t *Task) Stats() Stats {
	return Stats{Runs: t.runs.Load(), Failures: t.failures.Load()}
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Task) tick(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			t.log.WithField("panic", r).Error("task panicked")
		}
	}()

	t.runs.Add(1)
	if err := t.fn(ctx); err != nil {
		t.failures.Add(1)
		t.log.WithError(err).Warn("task tick failed")
	}
}
