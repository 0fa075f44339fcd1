package port

import (
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/value"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestValidateRequiresBindingForOwnedItem(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("temp", "P", []value.Kind{value.String}, time.Now())
	items.Add(it)

	h := New("P", Config{}, discardLogger())
	if err := h.Validate(items); err == nil {
		t.Fatal("expected Validate to fail for an owned item without a binding")
	}
}

func TestValidateMarksBoundItemsUnreadableUnwritable(t *testing.T) {
	items := item.NewRegistry()
	it := item.New("temp", "P", []value.Kind{value.String}, time.Now())
	items.Add(it)

	h := New("P", Config{Bindings: []Binding{
		{ItemID: "temp", Pattern: regexp.MustCompile(`T=(\d+)`)},
	}}, discardLogger())
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if it.Readable || it.Writable {
		t.Errorf("expected a port-owned item to become unreadable/unwritable")
	}
}

func TestFrameMessagesMatchesBindingOnTopLevelMessage(t *testing.T) {
	h := New("P", Config{
		MsgPattern: regexp.MustCompile(`[^\n]+\n`),
		Bindings: []Binding{
			{ItemID: "temp", Pattern: regexp.MustCompile(`^T=(\d+)`)},
		},
	}, discardLogger())

	buf := []byte("T=21\nX=ignored\n")
	events := h.frameMessages(&buf)
	if len(events) != 1 || events[0].Value.StringVal() != "21" {
		t.Fatalf("expected a single STATE_IND(21), got %v", events)
	}
	if len(buf) != 0 {
		t.Errorf("expected buffer fully consumed, got %q", buf)
	}
}

func TestBaudAndDataBitsConstants(t *testing.T) {
	if _, err := baudConstant(9600); err != nil {
		t.Errorf("expected 9600 to be a valid baud rate: %v", err)
	}
	if _, err := baudConstant(300); err == nil {
		t.Error("expected 300 to be an invalid baud rate")
	}
	if _, err := dataBitsConstant(8); err != nil {
		t.Errorf("expected 8 to be valid data bits: %v", err)
	}
	if _, err := dataBitsConstant(9); err == nil {
		t.Error("expected 9 to be invalid data bits")
	}
}
