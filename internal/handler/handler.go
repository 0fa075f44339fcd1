// Package handler defines the uniform transport contract every
// pluggable handler (KNX, MQTT, Modbus, serial port, HTTP, TCP,
// generator, storage) satisfies, per spec.md §4.4.
package handler

import (
	"context"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/item"
)

// State is the pure operational-health accessor every handler exposes.
type State struct {
	Operational  bool
	ErrorCounter uint64
}

// Handler is the uniform transport contract. Implementations encapsulate
// all protocol state machines; the engine never reaches into a
// handler's internals. All methods must be non-blocking: handlers do
// their blocking I/O on their own goroutines and hand decoded events
// back through Receive's internal queue, signalling readiness via
// Wake (see spec.md §5 "Suspension points").
type Handler interface {
	// ID returns the owning link's configured id, used for log
	// correlation and as an Event's OriginLinkID.
	ID() string

	// Validate runs once at startup. It may mutate Readable/Writable/
	// Responsive on items it owns and must fail loudly if any item it
	// owns lacks a binding, or if a referenced item is missing or
	// type-incompatible.
	Validate(items *item.Registry) error

	// State is a pure accessor; it must not block or perform I/O.
	State() State

	// Start begins the handler's background I/O goroutine(s), if any.
	// It must return promptly; ctx cancellation is the only shutdown
	// signal a handler needs to honour.
	Start(ctx context.Context) error

	// Wake returns a channel the engine selects on alongside its
	// timeout. A send (or close) means "call Receive, there may be
	// something new". Implementations must never block sending on
	// this channel — use a buffered channel of size >= 1 and a
	// non-blocking send. A nil channel is permitted for handlers that
	// are purely timer-driven (e.g. generator): the engine's own
	// polling/timeout logic drives them instead.
	Wake() <-chan struct{}

	// Receive drains whatever decoded events are currently available.
	// Idempotent when nothing is ready: returns an empty slice.
	Receive(ctx context.Context, items *item.Registry) []event.Event

	// Send applies outbound events to the transport. It may return
	// events to be delivered on the handler's next Receive (e.g. a
	// storage handler echoing a WRITE_REQ back as a STATE_IND once the
	// write has been durably applied).
	Send(ctx context.Context, items *item.Registry, events []event.Event) []event.Event
}
