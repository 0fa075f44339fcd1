package modbus

import (
	"context"
	"log/slog"
	"net"
	"strconv"
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

func TestReceiveDecodesHoldingRegisterResponse(t *testing.T) {
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
	it := item.New("power", "M", []value.Kind{value.Number}, time.Now())
	items.Add(it)

	cfg := Config{
		Hostname:          host,
		Port:              port,
		ReconnectInterval: 10 * time.Millisecond,
		ResponseTimeout:   time.Second,
		Bindings: []Binding{
			{ItemID: "power", UnitID: 1, FirstRegister: 100, LastRegister: 101, FactorRegister: -1},
		},
	}
	h := New("M", cfg, discardLogger())
	if err := h.Validate(items); err != nil {
		t.Fatalf("Validate: %v", err)
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

	h.Send(ctx, items, []event.Event{event.NewReadReq("ctrl", "power")})

	req := make([]byte, 12)
	deadline := time.Now().Add(time.Second)
	conn.SetReadDeadline(deadline)
	if _, err := readFull(conn, req); err != nil {
		t.Fatalf("reading request: %v", err)
	}
	transactionID := uint16(req[0])<<8 | uint16(req[1])
	if req[7] != 0x03 {
		t.Fatalf("expected function code 0x03, got %#x", req[7])
	}

	// respond with a 4-byte (2 register) value of 12345
	resp := []byte{
		byte(transactionID >> 8), byte(transactionID),
		0x00, 0x00,
		0x00, 0x07, // length: unit+func+bytecount+4 data bytes
		0x01,       // unit id
		0x03,       // function
		0x04,       // byte count
		0x00, 0x00, 0x30, 0x39, // 12345
	}
	if _, err := conn.Write(resp); err != nil {
		t.Fatalf("writing response: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	var events []event.Event
	for time.Now().Before(deadline) && len(events) == 0 {
		select {
		case <-h.Wake():
		case <-time.After(10 * time.Millisecond):
		}
		events = h.Receive(ctx, items)
	}
	if len(events) != 1 || events[0].Value.NumberVal() != 12345 {
		t.Fatalf("expected a single STATE_IND(12345), got %v", events)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
