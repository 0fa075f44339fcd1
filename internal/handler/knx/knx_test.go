package knx

import (
	"log/slog"
	"testing"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/value"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestGroupAddrRoundTrip(t *testing.T) {
	ga, err := ParseGroupAddr("1/2/100")
	if err != nil {
		t.Fatalf("ParseGroupAddr: %v", err)
	}
	if got := ga.String(); got != "1/2/100" {
		t.Errorf("String() = %q, want 1/2/100", got)
	}
	if ga.IsNull() {
		t.Error("expected a parsed address to not be null")
	}
	var a, b GroupAddr
	if !a.Equal(b) {
		t.Error("expected two null addresses to be equal")
	}
}

func TestDptSwitchRoundTrip(t *testing.T) {
	dpt := DPT{Main: 1}
	data, ok := dpt.Export(value.NewBoolean(true))
	if !ok || len(data) != 1 || data[0] != 0x01 {
		t.Fatalf("Export(true) = %v, %v", data, ok)
	}
	v, ok := dpt.Import(data)
	if !ok || !v.BoolVal() {
		t.Fatalf("Import(%v) = %v, %v", data, v, ok)
	}
}

func TestDptScalingPercentRoundTrip(t *testing.T) {
	dpt := DPT{Main: 5, Sub: 1}
	data, ok := dpt.Export(value.NewNumber(50, 0))
	if !ok || len(data) != 2 {
		t.Fatalf("Export(50) = %v, %v", data, ok)
	}
	v, ok := dpt.Import(data)
	if !ok {
		t.Fatalf("Import failed")
	}
	if diff := v.NumberVal() - 50; diff > 1 || diff < -1 {
		t.Errorf("round-tripped value = %v, want ~50", v.NumberVal())
	}
}

func TestDptTemperatureRoundTrip(t *testing.T) {
	dpt := DPT{Main: 9}
	data, ok := dpt.Export(value.NewNumber(21.5, 0))
	if !ok || len(data) != 3 {
		t.Fatalf("Export(21.5) = %v, %v", data, ok)
	}
	v, ok := dpt.Import(data)
	if !ok {
		t.Fatalf("Import failed")
	}
	if diff := v.NumberVal() - 21.5; diff > 0.1 || diff < -0.1 {
		t.Errorf("round-tripped value = %v, want ~21.5", v.NumberVal())
	}
}

func TestValidateDerivesReadableWritable(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("light", "K", []value.Kind{value.Boolean}, time.Now())
	items.Add(it)

	stateGa, _ := ParseGroupAddr("1/1/1")
	h := New("K", Config{Bindings: []Binding{
		{ItemID: "light", StateGa: stateGa, Dpt: DPT{Main: 1}},
	}}, discardLogger())

	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !it.Readable || it.Writable {
		t.Errorf("expected a state-only binding to be readable but not writable, got readable=%v writable=%v", it.Readable, it.Writable)
	}
}

func TestHandleLDataIndProducesStateIndForOwnedItem(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("light", "K", []value.Kind{value.Boolean}, time.Now())
	items.Add(it)

	stateGa, _ := ParseGroupAddr("1/1/1")
	h := New("K", Config{Bindings: []Binding{
		{ItemID: "light", StateGa: stateGa, Dpt: DPT{Main: 1}},
	}}, discardLogger())
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// a minimal L_Data.ind cEMI frame reporting GroupValueWrite(true) to 1/1/1
	msg := make([]byte, 21)
	msg[10] = msgCodeLDataInd
	msg[16] = stateGa.High()
	msg[17] = stateGa.Low()
	msg[18] = 1 // data length
	msg[20] = 0x81

	h.handleLDataInd(msg, map[string]bool{})

	got := h.Receive(nil, items)
	if len(got) != 1 || got[0].Type != event.StateInd || !got[0].Value.BoolVal() {
		t.Fatalf("expected a single STATE_IND(true), got %v", got)
	}
}

func TestHandleLDataIndProducesWriteReqForNonOwnedItem(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("light", "otherLink", []value.Kind{value.Boolean}, time.Now())
	items.Add(it)

	writeGa, _ := ParseGroupAddr("1/1/2")
	h := New("K", Config{Bindings: []Binding{
		{ItemID: "light", WriteGa: writeGa, Dpt: DPT{Main: 1}},
	}}, discardLogger())
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	msg := make([]byte, 21)
	msg[10] = msgCodeLDataInd
	msg[16] = writeGa.High()
	msg[17] = writeGa.Low()
	msg[18] = 1
	msg[20] = 0x81

	h.handleLDataInd(msg, map[string]bool{})

	got := h.Receive(nil, items)
	if len(got) != 1 || got[0].Type != event.WriteReq || !got[0].Value.BoolVal() {
		t.Fatalf("expected a single WRITE_REQ(true), got %v", got)
	}
}

func TestBuildLDataReqUsesResponseApciForPendingRead(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("light", "otherLink", []value.Kind{value.Boolean}, time.Now())
	items.Add(it)

	stateGa, _ := ParseGroupAddr("1/1/1")
	h := New("K", Config{Bindings: []Binding{
		{ItemID: "light", StateGa: stateGa, Dpt: DPT{Main: 1}},
	}}, discardLogger())
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	waiting := map[string]bool{"light": true}
	req, ok := h.buildLDataReq(event.NewStateInd("otherLink", "light", value.NewBoolean(true)), waiting)
	if !ok {
		t.Fatal("expected buildLDataReq to produce a telegram")
	}
	if req.data[0]&0xC0 != 0x40 {
		t.Errorf("expected the response APCI (0x40) for a pending read, got %#x", req.data[0]&0xC0)
	}
	if waiting["light"] {
		t.Error("expected the pending read to be cleared")
	}
}
