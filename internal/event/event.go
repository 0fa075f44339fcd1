// Package event defines the immutable Event record that flows between
// links and the engine, per spec.md §3.
package event

import (
	"fmt"

	"github.com/peti69/weaver/internal/value"
)

// ControlLinkID is the reserved origin for engine-synthesised events:
// polling, send-on-timer, and operational-health indications.
const ControlLinkID = "controlLinkId"

// Type distinguishes the three kinds of events the bus carries.
type Type int

const (
	// StateInd reports the current state of an item.
	StateInd Type = iota
	// WriteReq requests that an item be set to a new value.
	WriteReq
	// ReadReq requests the current state of an item; carries VOID.
	ReadReq
)

// String returns the wire/log name of the event type.
func (t Type) String() string {
	switch t {
	case StateInd:
		return "STATE_IND"
	case WriteReq:
		return "WRITE_REQ"
	case ReadReq:
		return "READ_REQ"
	default:
		return "UNKNOWN"
	}
}

// Event is the immutable tuple (origin_link_id, item_id, type, value).
type Event struct {
	OriginLinkID string
	ItemID       string
	Type         Type
	Value        value.Value
}

// New constructs an Event, defaulting READ_REQ's value to VOID
// regardless of what is passed, matching spec.md §3.
func New(originLinkID, itemID string, t Type, v value.Value) Event {
	if t == ReadReq {
		v = value.VoidValue()
	}
	return Event{OriginLinkID: originLinkID, ItemID: itemID, Type: t, Value: v}
}

// NewStateInd is a convenience constructor for a STATE_IND event.
func NewStateInd(originLinkID, itemID string, v value.Value) Event {
	return New(originLinkID, itemID, StateInd, v)
}

// NewReadReq is a convenience constructor for a READ_REQ event.
func NewReadReq(originLinkID, itemID string) Event {
	return New(originLinkID, itemID, ReadReq, value.VoidValue())
}

// NewWriteReq is a convenience constructor for a WRITE_REQ event.
func NewWriteReq(originLinkID, itemID string, v value.Value) Event {
	return New(originLinkID, itemID, WriteReq, v)
}

// String renders an Event for structured logging.
func (e Event) String() string {
	return fmt.Sprintf("%s(origin=%s, item=%s, value=%s)", e.Type, e.OriginLinkID, e.ItemID, e.Value)
}
