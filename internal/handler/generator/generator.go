// Package generator implements a timer-driven synthetic event source,
// used for periodic READ_REQ/WRITE_REQ stimulation of items owned by
// other links, or for announcing a fixed STATE_IND on a schedule for
// items it owns itself.
package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/value"
)

// Binding declares one item's generated event: what to emit and how
// often.
type Binding struct {
	ItemID    string
	EventType event.Type
	Value     value.Value
	Interval  time.Duration
}

// Config is the generator handler's static configuration.
type Config struct {
	Bindings []Binding
}

// Handler emits Bindings on their configured interval. It never
// touches a handler goroutine or Wake channel: the engine's own base
// timeout is fine-grained enough to drive it.
type Handler struct {
	id  string
	cfg Config

	lastGeneration map[string]time.Time
}

// New constructs a generator Handler.
func New(id string, cfg Config) *Handler {
	return &Handler{id: id, cfg: cfg, lastGeneration: make(map[string]time.Time)}
}

func (h *Handler) ID() string { return h.id }

// Validate requires every item this handler owns to have an explicit
// binding, and marks owned items unreadable/unwritable (their only
// state transitions come from the generator's own schedule).
func (h *Handler) Validate(items *item.Registry) error {
	bound := make(map[string]bool, len(h.cfg.Bindings))
	for _, b := range h.cfg.Bindings {
		bound[b.ItemID] = true
	}
	for _, it := range items.OwnedBy(h.id) {
		if !bound[it.ID] {
			return fmt.Errorf("generator %s: item %s has no binding", h.id, it.ID)
		}
	}
	for _, b := range h.cfg.Bindings {
		it, ok := items.Get(b.ItemID)
		if !ok {
			return fmt.Errorf("generator %s: item %s not found", h.id, b.ItemID)
		}
		if b.EventType != event.ReadReq && !b.Value.IsNull() && !it.AcceptsKind(b.Value.Kind()) {
			return fmt.Errorf("generator %s: item %s value type %s not accepted", h.id, b.ItemID, b.Value.Kind())
		}
		if it.OwnerID == h.id {
			it.Readable = false
			it.Writable = false
		}
	}
	return nil
}

func (h *Handler) State() handler.State { return handler.State{Operational: true} }

func (h *Handler) Start(ctx context.Context) error { return nil }

func (h *Handler) Wake() <-chan struct{} { return nil }

// Receive emits every binding whose interval has elapsed: a READ_REQ/
// WRITE_REQ stimulus for items owned elsewhere, or a STATE_IND
// announcement for items this handler owns itself.
func (h *Handler) Receive(ctx context.Context, items *item.Registry) []event.Event {
	now := time.Now()
	var events []event.Event
	for _, b := range h.cfg.Bindings {
		if !now.After(h.lastGeneration[b.ItemID].Add(b.Interval)) {
			continue
		}
		h.lastGeneration[b.ItemID] = now

		it, ok := items.Get(b.ItemID)
		if !ok {
			continue
		}
		owner := it.OwnerID == h.id

		switch {
		case b.EventType == event.ReadReq && !owner:
			events = append(events, event.NewReadReq(h.id, b.ItemID))
		case b.EventType == event.WriteReq && !owner:
			events = append(events, event.NewWriteReq(h.id, b.ItemID, b.Value))
		case b.EventType == event.StateInd && owner:
			events = append(events, event.NewStateInd(h.id, b.ItemID, b.Value))
		}
	}
	return events
}

// Send is a no-op: the generator never reacts to outbound events.
func (h *Handler) Send(ctx context.Context, items *item.Registry, events []event.Event) []event.Event {
	return nil
}
