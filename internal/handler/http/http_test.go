package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
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

func TestSendFiresTransferAndReceiveReportsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "temp=21.5")
	}))
	defer srv.Close()

	items := item.NewRegistry()
	it := item.New("temp", "otherLink", []value.Kind{value.String}, time.Now())
	items.Add(it)

	h := New("H", Config{
		Bindings: []Binding{
			{ItemID: "temp", URL: srv.URL, ResponsePattern: regexp.MustCompile(`temp=(.*)`)},
		},
	}, discardLogger())
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	h.Send(context.Background(), items, []event.Event{event.NewReadReq("otherLink", "temp")})

	deadline := time.Now().Add(time.Second)
	var events []event.Event
	for time.Now().Before(deadline) && len(events) == 0 {
		select {
		case <-h.Wake():
		case <-time.After(10 * time.Millisecond):
		}
		events = h.Receive(context.Background(), items)
	}
	if len(events) != 1 || events[0].Value.StringVal() != "21.5" {
		t.Fatalf("expected a single STATE_IND(21.5), got %v", events)
	}
}

func TestSendIgnoresUnboundItems(t *testing.T) {
	h := New("H", Config{}, discardLogger())
	items := item.NewRegistry()
	out := h.Send(context.Background(), items, []event.Event{event.NewReadReq("otherLink", "unbound")})
	if out != nil {
		t.Errorf("expected Send to return nil directly, got %v", out)
	}
}
