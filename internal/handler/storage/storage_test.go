package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
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

func TestValidateDefaultsMissingBinding(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("setpoint", "S", []value.Kind{value.Number}, time.Now())
	items.Add(it)

	h := New("S", Config{FileName: "unused"}, discardLogger())
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if it.Readable || !it.Writable || !it.Responsive {
		t.Errorf("expected a storage item to become write-only/responsive, got %+v", it)
	}
}

func TestReceiveReplaysPersistedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	os.WriteFile(path, []byte(`{"setpoint": 21.5}`), 0o644)

	items := item.NewRegistry()
	it := item.New("setpoint", "S", []value.Kind{value.Number}, time.Now())
	items.Add(it)

	h := New("S", Config{FileName: path, Bindings: []Binding{
		{ItemID: "setpoint", InitialValue: value.NewNumber(0, 0)},
	}}, discardLogger())
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	events := h.Receive(context.Background(), items)
	if len(events) != 1 || events[0].Value.NumberVal() != 21.5 {
		t.Fatalf("expected replayed STATE_IND(21.5), got %v", events)
	}
	if !h.State().Operational {
		t.Errorf("expected handler to report operational after a successful read")
	}
}

func TestSendPersistsChangedValueAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	os.WriteFile(path, []byte(`{}`), 0o644)

	items := item.NewRegistry()
	it := item.New("setpoint", "S", []value.Kind{value.Number}, time.Now())
	items.Add(it)

	h := New("S", Config{FileName: path, Bindings: []Binding{
		{ItemID: "setpoint", InitialValue: value.NewNumber(0, 0), Persistent: true},
	}}, discardLogger())
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	h.Receive(context.Background(), items) // must run once to set fileRead

	out := h.Send(context.Background(), items, []event.Event{
		event.NewWriteReq("ctrl", "setpoint", value.NewNumber(23, 0)),
	})
	if len(out) != 1 || out[0].Value.NumberVal() != 23 {
		t.Fatalf("expected echoed STATE_IND(23), got %v", out)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("persisted file is not valid JSON: %v", err)
	}
	if doc["setpoint"] != 23.0 {
		t.Errorf("persisted setpoint = %v, want 23", doc["setpoint"])
	}
}
