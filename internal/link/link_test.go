package link

import (
	"context"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/unit"
	"github.com/peti69/weaver/internal/value"
)

// fakeHandler is a minimal in-memory handler.Handler used to exercise
// Link's pipeline without any real transport.
type fakeHandler struct {
	id      string
	state   handler.State
	inbox   []event.Event
	outbox  []event.Event
	wake    chan struct{}
	sendErr []event.Event // events Send() hands back for the next Receive
}

func newFakeHandler(id string) *fakeHandler {
	return &fakeHandler{id: id, wake: make(chan struct{}, 1)}
}

func (h *fakeHandler) ID() string                            { return h.id }
func (h *fakeHandler) Validate(items *item.Registry) error    { return nil }
func (h *fakeHandler) State() handler.State                   { return h.state }
func (h *fakeHandler) Start(ctx context.Context) error        { return nil }
func (h *fakeHandler) Wake() <-chan struct{}                  { return h.wake }
func (h *fakeHandler) Receive(ctx context.Context, items *item.Registry) []event.Event {
	out := h.inbox
	h.inbox = nil
	return out
}
func (h *fakeHandler) Send(ctx context.Context, items *item.Registry, events []event.Event) []event.Event {
	h.outbox = append(h.outbox, events...)
	out := h.sendErr
	h.sendErr = nil
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLinkReceiveDropsUnownedStateInd(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("power", "otherLink", []value.Kind{value.Number}, time.Now())
	it.Unit = unit.Watt
	items.Add(it)

	fh := newFakeHandler("L")
	fh.inbox = []event.Event{event.NewStateInd("L", "power", value.NewNumber(10, unit.Watt))}

	l := New(Config{ID: "L"}, fh, discardLogger())
	events := l.Receive(context.Background(), items)
	if len(events) != 0 {
		t.Errorf("expected STATE_IND for an item owned by another link to be dropped, got %v", events)
	}
}

func TestLinkReceiveNumberUnitConversion(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("power", "L", []value.Kind{value.Number}, time.Now())
	it.Unit = unit.Kilowatt
	items.Add(it)

	fh := newFakeHandler("L")
	fh.inbox = []event.Event{event.NewStateInd("L", "power", value.NewNumber(1500, unit.Watt))}

	l := New(Config{ID: "L"}, fh, discardLogger())
	events := l.Receive(context.Background(), items)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Value.NumberVal() != 1.5 || events[0].Value.Unit() != unit.Kilowatt {
		t.Errorf("expected 1.5 kW, got %v", events[0].Value)
	}
}

func TestLinkReceiveModifierLinearConversion(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("temp", "L", []value.Kind{value.Number}, time.Now())
	it.Unit = unit.Celsius
	items.Add(it)

	fh := newFakeHandler("L")
	fh.inbox = []event.Event{event.NewStateInd("L", "temp", value.NewNumber(200, unit.Celsius))}

	l := New(Config{
		ID: "L",
		Modifiers: map[string]Modifier{
			"temp": {ItemID: "temp", Factor: 0.1}, // e.g. a handler reporting tenths of a degree
		},
	}, fh, discardLogger())
	events := l.Receive(context.Background(), items)
	if len(events) != 1 || events[0].Value.NumberVal() != 20 {
		t.Fatalf("expected modifier factor 0.1 to scale 200 down to 20, got %v", events)
	}
}

func TestLinkReceiveOBISExtraction(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("energy", "L", []value.Kind{value.Number}, time.Now())
	it.Unit = unit.WattHour
	items.Add(it)

	sml := buildSMLObisMessage(t)
	fh := newFakeHandler("L")
	fh.inbox = []event.Event{event.NewStateInd("L", "energy", value.NewString(sml))}

	l := New(Config{
		ID:        "L",
		Modifiers: map[string]Modifier{"energy": {ItemID: "energy", InOBISCode: "6f626973"}}, // hex for "obis"
	}, fh, discardLogger())
	events := l.Receive(context.Background(), items)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Value.NumberVal() != 98.7 || events[0].Value.Unit() != unit.WattHour {
		t.Errorf("expected 98.7 Wh (10^-1 * 987), got %v", events[0].Value)
	}
}

// buildSMLObisMessage hand-builds the same shape as the sml package's
// own obis fixture, to avoid exporting internal test helpers across
// packages.
func buildSMLObisMessage(t *testing.T) string {
	t.Helper()
	return string([]byte{
		0x76,
		0x05, 'o', 'b', 'i', 's',
		0x01, // status
		0x01, // value time
		0x62, 0x1E,       // unit 30 = WattHour
		0x52, 0xFF,       // scaler -1
		0x63, 0x03, 0xDB, // raw 987
		0x00,
	})
}

func TestLinkReceiveInboundMapping(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("mode", "L", []value.Kind{value.String}, time.Now())
	items.Add(it)

	fh := newFakeHandler("L")
	fh.inbox = []event.Event{event.NewStateInd("L", "mode", value.NewString("1"))}

	l := New(Config{
		ID: "L",
		Modifiers: map[string]Modifier{
			"mode": {ItemID: "mode", InMappings: map[string]string{"1": "on", "0": "off"}},
		},
	}, fh, discardLogger())
	events := l.Receive(context.Background(), items)
	if len(events) != 1 || events[0].Value.StringVal() != "on" {
		t.Fatalf("expected mapped value 'on', got %v", events)
	}
}

func TestLinkReceivePatternBooleanFallback(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("alarm", "L", []value.Kind{value.Boolean}, time.Now())
	items.Add(it)

	fh := newFakeHandler("L")
	fh.inbox = []event.Event{event.NewStateInd("L", "alarm", value.NewString("status: nominal"))}

	l := New(Config{
		ID: "L",
		Modifiers: map[string]Modifier{
			"alarm": {ItemID: "alarm", InPattern: regexp.MustCompile("FAULT")},
		},
	}, fh, discardLogger())
	events := l.Receive(context.Background(), items)
	if len(events) != 1 || events[0].Value.BoolVal() != false {
		t.Fatalf("expected BOOLEAN(false) on no match, got %v", events)
	}
}

func TestLinkSendSuppressesUnownedWrite(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("power", "otherLink", []value.Kind{value.Number}, time.Now())
	items.Add(it)

	fh := newFakeHandler("L")
	l := New(Config{ID: "L"}, fh, discardLogger())
	l.Send(context.Background(), items, []event.Event{event.NewWriteReq("ctrl", "power", value.NewNumber(1, unit.None))})
	if len(fh.outbox) != 0 {
		t.Errorf("expected WRITE_REQ for an item not owned by this link to be dropped, got %v", fh.outbox)
	}
}

func TestLinkSendOutboundMappingWithTokens(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("power", "L", []value.Kind{value.Number}, time.Now())
	it.Writable = true
	items.Add(it)

	fh := newFakeHandler("L")
	l := New(Config{
		ID: "L",
		Modifiers: map[string]Modifier{
			"power": {ItemID: "power", OutMappings: []OutMapping{
				{HasRange: true, Min: 0, Max: 1000, Replacement: "value=%EventValue%"},
			}},
		},
	}, fh, discardLogger())
	l.Send(context.Background(), items, []event.Event{event.NewWriteReq("ctrl", "power", value.NewNumber(42, unit.None))})
	if len(fh.outbox) != 1 || fh.outbox[0].Value.StringVal() != "value=42" {
		t.Fatalf("expected mapped outbound value 'value=42', got %v", fh.outbox)
	}
}

func TestLinkHealthEventsOnStateChange(t *testing.T) {
	items := item.NewRegistry()
	opItem := item.New("opstate", event.ControlLinkID, []value.Kind{value.Boolean}, time.Now())
	items.Add(opItem)

	fh := newFakeHandler("L")
	l := New(Config{ID: "L", OperationalItemID: "opstate"}, fh, discardLogger())

	initial := l.Receive(context.Background(), items)
	if len(initial) != 1 || initial[0].Value.BoolVal() != false {
		t.Fatalf("expected initial operational STATE_IND(false), got %v", initial)
	}

	fh.state = handler.State{Operational: true}
	events := l.Receive(context.Background(), items)
	if len(events) != 1 || !events[0].Value.BoolVal() {
		t.Fatalf("expected operational STATE_IND(true) after state change, got %v", events)
	}
}
