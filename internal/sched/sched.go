// Package sched provides the cooperative-scheduling primitives the rest of
// the stack is written against: monotonic time, a yield point (Msleep) and
// long-lived task registration.
//
// The reference system runs this over a kernel scheduler with its own
// msleep/get_time/task-creation syscalls. Here those map onto Go's
// goroutines, context.Context and time.Sleep/time.Now — the suspension
// points stay exactly where the design says they are (every Msleep call),
// which keeps the daemons' logic identical whether it runs as one
// goroutine per daemon (the default, and what Run below gives you) or
// cooperatively multiplexed.
package sched

import (
	"context"
	"log/slog"
	"time"
)

var startTime = time.Now()

// Now returns monotonic milliseconds since process start, matching the
// reference kernel's get_time().
func Now() int64 {
	return time.Since(startTime).Milliseconds()
}

// Msleep suspends the calling task for d, honoring ctx cancellation so a
// daemon's sleep is always an interruptible yield point rather than a
// blocking wait.
func Msleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Task is a long-lived daemon loop: NDP ticker, IGMP/MLD daemon, DHCPv6
// daemon, TCP event loop, etc.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Runner starts and tracks tasks created by Spawn, and is canceled as a
// unit on shutdown — the process-wide lifecycle asks the
// interface-manager-style singletons to have.
type Runner struct {
	cancel context.Context
	logger *slog.Logger
	done   chan struct{}
	count  int
}

// NewRunner creates a Runner holding ctx. Tasks run with the context given
// to Spawn, so canceling ctx stops a task only when it was spawned with ctx
// or a context derived from it.
func NewRunner(ctx context.Context, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cancel: ctx, logger: logger, done: make(chan struct{})}
}

// Spawn starts t.Run(ctx) in its own goroutine; the Runner's own context is
// not consulted.
func (r *Runner) Spawn(ctx context.Context, t Task) {
	r.count++
	go func() {
		r.logger.Debug("task starting", "task", t.Name)
		t.Run(ctx)
		r.logger.Debug("task stopped", "task", t.Name)
	}()
}

// Ticker runs fn every period until ctx is canceled, the simplest shape
// for the NDP/IGMP/MLD/DHCPv6 fixed-tick daemons.
func Ticker(ctx context.Context, period time.Duration, fn func()) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// Kicker is an event-driven wakeup channel for daemons that are dormant
// until something arms a pending timer (IGMP/MLD report scheduling, the
// TCP daemon's per-flow timers). Kick is non-blocking: a pending wakeup
// that hasn't been consumed yet is not duplicated.
type Kicker struct {
	ch chan struct{}
}

// NewKicker returns a ready-to-use Kicker.
func NewKicker() *Kicker {
	return &Kicker{ch: make(chan struct{}, 1)}
}

// Kick requests a wakeup; it never blocks.
func (k *Kicker) Kick() {
	select {
	case k.ch <- struct{}{}:
	default:
	}
}

// C exposes the wakeup channel for use in a select alongside a ticker or
// ctx.Done().
func (k *Kicker) C() <-chan struct{} { return k.ch }
