// Package workerutil runs background goroutines that survive panics.
package workerutil

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultMaxRestarts    = 10
)

// Policy controls how a panicking worker is restarted. Zero fields take the
// defaults: 100ms initial backoff doubling up to 5s, at most 10 runs.
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRuns bounds how often fn is started. 1 disables restarts.
	MaxRuns int

	// OnPanic is called after each recovered panic with the 1-based run number.
	OnPanic func(worker string, run int)
	// OnGiveUp is called once MaxRuns runs have all panicked.
	OnGiveUp func(worker string)
}

func (p Policy) withDefaults() Policy {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		slog.Warn("[DEBUG-WORKER] max backoff below initial backoff, clamping",
			"initialBackoff", p.InitialBackoff,
			"maxBackoff", p.MaxBackoff,
		)
		p.MaxBackoff = p.InitialBackoff
	}
	if p.MaxRuns <= 0 {
		p.MaxRuns = defaultMaxRestarts
	}
	return p
}

// Group tracks a set of workers sharing one lifetime. Stop cancels them and
// waits for every worker to return.
type Group struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool
	policy   Policy
}

// NewGroup returns a Group whose workers run until parent is done or Stop is called.
func NewGroup(parent context.Context, policy Policy) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		policy: policy.withDefaults(),
	}
}

// Go starts fn as a named worker. A panic in fn is logged with its stack and
// fn is started again after a backoff, unless the group is stopping.
func (g *Group) Go(name string, fn func(ctx context.Context)) {
	g.wg.Go(func() {
		g.supervise(name, fn)
	})
}

// Stop cancels every worker and waits for them to return.
func (g *Group) Stop() {
	g.stopping.Store(true)
	g.cancel()
	g.wg.Wait()
}

// Context is the context handed to workers.
func (g *Group) Context() context.Context {
	return g.ctx
}

func (g *Group) supervise(name string, fn func(ctx context.Context)) {
	delay := g.policy.InitialBackoff
	for run := 1; run <= g.policy.MaxRuns; run++ {
		if !runRecovered(g.ctx, name, fn) {
			return
		}
		if g.ctx.Err() != nil || g.stopping.Load() {
			return
		}
		if g.policy.OnPanic != nil {
			g.policy.OnPanic(name, run)
		}
		if run == g.policy.MaxRuns {
			break
		}
		slog.Warn("[DEBUG-WORKER] restarting worker after panic",
			"worker", name,
			"run", run,
			"delay", delay,
		)
		timer := time.NewTimer(delay)
		select {
		case <-g.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = nextBackoff(delay, g.policy.MaxBackoff)
	}

	slog.Error("[DEBUG-WORKER] worker keeps panicking, giving up",
		"worker", name,
		"runs", g.policy.MaxRuns,
	)
	if g.policy.OnGiveUp != nil {
		g.policy.OnGiveUp(name)
	}
}

// runRecovered runs fn once and reports whether it panicked.
func runRecovered(ctx context.Context, name string, fn func(ctx context.Context)) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[DEBUG-WORKER] worker recovered from panic",
				"worker", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			panicked = true
		}
	}()
	fn(ctx)
	return false
}

// nextBackoff doubles current, capped at limit. Overflow yields limit.
func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit || next < current {
		return limit
	}
	return next
}
