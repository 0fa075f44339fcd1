package generator

import (
	"context"
	"testing"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/value"
)

func TestReceiveEmitsReadReqForForeignItem(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("sensor", "otherLink", []value.Kind{value.Number}, time.Now())
	items.Add(it)

	h := New("G", Config{Bindings: []Binding{
		{ItemID: "sensor", EventType: event.ReadReq, Interval: time.Millisecond},
	}})
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	events := h.Receive(context.Background(), items)
	if len(events) != 1 || events[0].Type != event.ReadReq {
		t.Fatalf("expected a single READ_REQ, got %v", events)
	}

	// immediately calling again must not re-fire before the interval elapses
	if events := h.Receive(context.Background(), items); len(events) != 0 {
		t.Errorf("expected no event before the interval elapses again, got %v", events)
	}
}

func TestReceiveEmitsStateIndForOwnedItem(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("mode", "G", []value.Kind{value.String}, time.Now())
	items.Add(it)

	h := New("G", Config{Bindings: []Binding{
		{ItemID: "mode", EventType: event.StateInd, Value: value.NewString("idle"), Interval: time.Millisecond},
	}})
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if it.Readable || it.Writable {
		t.Errorf("expected an owned generator item to become unreadable/unwritable")
	}

	time.Sleep(2 * time.Millisecond)
	events := h.Receive(context.Background(), items)
	if len(events) != 1 || events[0].Value.StringVal() != "idle" {
		t.Fatalf("expected STATE_IND(idle), got %v", events)
	}
}
