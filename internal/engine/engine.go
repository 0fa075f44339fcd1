// Package engine implements the single dispatch loop described in
// spec.md §4.3: a readiness-driven wait over every enabled link,
// suppression of redundant STATE_INDs, READ→STATE short-circuiting,
// WRITE echo requests, and the send-on-timer/polling generator passes.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/link"
)

// Config carries the engine-wide logging knobs of spec.md §6.
type Config struct {
	LogPSelectCalls     bool
	LogEvents           bool
	LogSuppressedEvents bool
	LogGeneratedEvents  bool

	// BaseTimeout bounds how long one iteration waits for a link to
	// become ready when no link reports a tighter deadline (100ms in
	// the original).
	BaseTimeout time.Duration

	// StartupGrace is the interval after process start during which
	// events are collected but not dispatched, giving handlers time to
	// establish their initial connections (3s in the original).
	StartupGrace time.Duration
}

// Engine owns every item and link for the process lifetime and runs
// the cooperative dispatch loop.
type Engine struct {
	items *item.Registry
	links []*link.Link
	cfg   Config
	log   *slog.Logger

	ready <-chan struct{}
}

// New constructs an Engine. links is iterated in the given order every
// pass, matching the original's deterministic std::map iteration.
func New(items *item.Registry, links []*link.Link, cfg Config, logger *slog.Logger) *Engine {
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 100 * time.Millisecond
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 3 * time.Second
	}
	return &Engine{items: items, links: links, cfg: cfg, log: logger}
}

// Run starts every enabled link's handler, seeds item polling phases,
// then runs the dispatch loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for _, l := range e.links {
		if !l.Enabled() {
			continue
		}
		if err := l.Start(ctx); err != nil {
			return err
		}
	}

	now := time.Now()
	for _, it := range e.items.All() {
		it.SeedPollingPhase(now, nil)
	}

	e.ready = fanInWake(ctx, e.enabledLinks())

	start := time.Now()
	var pending []event.Event
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !e.anyPending() {
			if e.cfg.LogPSelectCalls {
				e.log.Debug("waiting for link readiness", "timeout", e.cfg.BaseTimeout)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-e.ready:
			case <-time.After(e.cfg.BaseTimeout):
			}
		}

		pending = append(pending, e.receive(ctx)...)

		if time.Since(start) <= e.cfg.StartupGrace {
			continue
		}

		dispatched, suppressed, generated := e.dispatch(pending, time.Now())
		e.logPass(dispatched, suppressed, generated)

		e.send(ctx, append(dispatched, generated...))
		pending = nil
	}
}

func (e *Engine) anyPending() bool {
	for _, l := range e.links {
		if l.Enabled() && l.HasPending() {
			return true
		}
	}
	return false
}

func (e *Engine) enabledLinks() []*link.Link {
	var out []*link.Link
	for _, l := range e.links {
		if l.Enabled() {
			out = append(out, l)
		}
	}
	return out
}

// receive drains every enabled link's Receive queue, in link order.
func (e *Engine) receive(ctx context.Context) []event.Event {
	var out []event.Event
	for _, l := range e.links {
		if !l.Enabled() {
			continue
		}
		out = append(out, l.Receive(ctx, e.items)...)
	}
	return out
}

// send forwards the full dispatched+generated batch to every enabled
// link; each Link filters by ownership internally, matching the
// original's broadcast-then-filter shape.
func (e *Engine) send(ctx context.Context, events []event.Event) {
	for _, l := range e.links {
		if !l.Enabled() {
			continue
		}
		l.Send(ctx, e.items, events)
	}
}

func (e *Engine) logPass(dispatched, suppressed, generated []event.Event) {
	if !e.cfg.LogEvents || e.log == nil {
		return
	}
	if e.cfg.LogSuppressedEvents {
		for _, ev := range suppressed {
			e.log.Debug("event suppressed", "event", ev.String())
		}
	}
	for _, ev := range dispatched {
		e.log.Debug("event", "event", ev.String())
	}
	if e.cfg.LogGeneratedEvents {
		for _, ev := range generated {
			e.log.Debug("event generated", "event", ev.String())
		}
	}
}
