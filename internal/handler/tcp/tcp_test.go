package tcp

import (
	"context"
	"log/slog"
	"net"
	"regexp"
	"strconv"
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

func TestReceiveFramesMessageAndMatchesBinding(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	items := item.NewRegistry()
	it := item.New("temp", "T", []value.Kind{value.String}, time.Now())
	items.Add(it)

	cfg := Config{
		Hostname:          host,
		Port:              port,
		ReconnectInterval: 10 * time.Millisecond,
		MsgPattern:        regexp.MustCompile(`^(.*?);`),
		MaxMsgSize:        1024,
		Bindings: []Binding{
			{ItemID: "temp", Pattern: regexp.MustCompile(`^T=(\d+)$`)},
		},
	}
	h := New("T", cfg, discardLogger())
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if it.Readable || it.Writable {
		t.Errorf("expected a tcp-owned item to become unreadable/unwritable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted a connection")
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("T=21;")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	var events []value.Value
	for time.Now().Before(deadline) {
		select {
		case <-h.Wake():
		case <-time.After(10 * time.Millisecond):
		}
		evs := h.Receive(ctx, items)
		for _, ev := range evs {
			events = append(events, ev.Value)
		}
		if len(events) > 0 {
			break
		}
	}
	if len(events) != 1 || events[0].StringVal() != "21" {
		t.Fatalf("expected a single STATE_IND(21), got %v", events)
	}
}

func TestSendIsNoOp(t *testing.T) {
	h := New("T", Config{ReconnectInterval: time.Second}, discardLogger())
	items := item.NewRegistry()
	if out := h.Send(context.Background(), items, nil); out != nil {
		t.Errorf("expected Send to be a no-op, got %v", out)
	}
}
