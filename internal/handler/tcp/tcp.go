// Package tcp implements a receive-only raw TCP stream handler: it
// maintains a reconnecting client connection, frames complete messages
// out of the accumulating byte stream with a configurable top-level
// pattern, and matches each framed message against per-item patterns
// to produce STATE_IND events.
package tcp

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/value"
)

// Binding matches one owned item's pattern against every framed
// message. BinMatching selects matching against the message's decoded
// binary form instead of the form it arrived in (hex string or raw).
type Binding struct {
	ItemID      string
	Pattern     *regexp.Regexp
	BinMatching bool
}

// Config is the TCP stream handler's static configuration.
type Config struct {
	Hostname          string
	Port              int
	TimeoutInterval   time.Duration // 0 disables the data timeout check
	ReconnectInterval time.Duration
	ConvertToHex      bool // hex-encode received bytes before framing
	MsgPattern        *regexp.Regexp
	MaxMsgSize        int
	LogRawData        bool
	Bindings          []Binding
}

// Handler is a receive-only TCP stream client. Every item it owns must
// have an explicit binding; Send is always a no-op.
type Handler struct {
	id     string
	cfg    Config
	logger *slog.Logger

	wake chan struct{}

	evMu    sync.Mutex
	pending []event.Event

	stMu  sync.Mutex
	state handler.State
}

// New constructs a TCP stream Handler.
func New(id string, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{id: id, cfg: cfg, logger: logger, wake: make(chan struct{}, 1)}
}

func (h *Handler) ID() string { return h.id }

// Validate requires every owned item to have an explicit binding and
// marks owned items unreadable/unwritable: this handler only ever
// announces state, it never accepts reads or writes.
func (h *Handler) Validate(items *item.Registry) error {
	bound := make(map[string]bool, len(h.cfg.Bindings))
	for _, b := range h.cfg.Bindings {
		bound[b.ItemID] = true
	}
	for _, it := range items.OwnedBy(h.id) {
		if !bound[it.ID] {
			return fmt.Errorf("tcp %s: item %s has no binding", h.id, it.ID)
		}
		it.Readable = false
		it.Writable = false
	}
	for _, b := range h.cfg.Bindings {
		if _, ok := items.Get(b.ItemID); !ok {
			return fmt.Errorf("tcp %s: item %s not found", h.id, b.ItemID)
		}
	}
	return nil
}

func (h *Handler) State() handler.State {
	h.stMu.Lock()
	defer h.stMu.Unlock()
	return h.state
}

func (h *Handler) Wake() <-chan struct{} { return h.wake }

// Start launches the background connect/read loop. It returns
// immediately; ctx cancellation is the only shutdown signal it needs.
func (h *Handler) Start(ctx context.Context) error {
	go h.run(ctx)
	return nil
}

// Receive drains whatever STATE_IND events the background loop has
// framed since the last call.
func (h *Handler) Receive(ctx context.Context, items *item.Registry) []event.Event {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	if len(h.pending) == 0 {
		return nil
	}
	out := h.pending
	h.pending = nil
	return out
}

// Send is a no-op: this handler never reacts to outbound events.
func (h *Handler) Send(ctx context.Context, items *item.Registry, events []event.Event) []event.Event {
	return nil
}

func (h *Handler) wakeUp() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handler) setOperational(v bool) {
	h.stMu.Lock()
	h.state.Operational = v
	h.stMu.Unlock()
}

func (h *Handler) recordError(err error) {
	h.stMu.Lock()
	h.state.ErrorCounter++
	h.stMu.Unlock()
	h.logger.Error("tcp error", "link", h.id, "error", err)
}

const readChunk = 256

func (h *Handler) run(ctx context.Context) {
	var conn net.Conn
	var lastConnectTry, lastDataReceipt time.Time
	var buf []byte

	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if conn == nil {
			now := time.Now()
			if now.Before(lastConnectTry.Add(h.cfg.ReconnectInterval)) {
				time.Sleep(20 * time.Millisecond)
				continue
			}
			lastConnectTry = now

			c, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", h.cfg.Hostname, h.cfg.Port), 5*time.Second)
			if err != nil {
				h.recordError(fmt.Errorf("connect to %s:%d: %w", h.cfg.Hostname, h.cfg.Port, err))
				continue
			}
			conn = c
			lastDataReceipt = time.Now()
			buf = nil
			h.setOperational(true)
			h.logger.Info("tcp connected", "link", h.id, "hostname", h.cfg.Hostname, "port", h.cfg.Port)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		tmp := make([]byte, readChunk)
		n, err := conn.Read(tmp)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if h.cfg.TimeoutInterval > 0 && time.Now().After(lastDataReceipt.Add(h.cfg.TimeoutInterval)) {
					h.recordError(fmt.Errorf("data transmission timed out"))
					h.reconnect(&conn, &buf)
				}
				continue
			}
			h.recordError(fmt.Errorf("read: %w", err))
			h.reconnect(&conn, &buf)
			continue
		}
		if n == 0 {
			continue
		}
		lastDataReceipt = time.Now()

		chunk := tmp[:n]
		if h.cfg.ConvertToHex {
			chunk = []byte(hex.EncodeToString(chunk))
		}
		if h.cfg.LogRawData {
			h.logger.Debug("tcp received", "link", h.id, "data", string(chunk))
		}
		buf = append(buf, chunk...)

		if events := h.frameMessages(&buf); len(events) > 0 {
			h.evMu.Lock()
			h.pending = append(h.pending, events...)
			h.evMu.Unlock()
			h.wakeUp()
		}

		if h.cfg.MaxMsgSize > 0 && len(buf) > 2*h.cfg.MaxMsgSize {
			h.recordError(fmt.Errorf("data %q does not match message pattern", string(buf)))
			h.reconnect(&conn, &buf)
		}
	}
}

func (h *Handler) reconnect(conn *net.Conn, buf *[]byte) {
	if *conn != nil {
		(*conn).Close()
	}
	*conn = nil
	*buf = nil
	h.setOperational(false)
}

// frameMessages repeatedly matches MsgPattern (which must carry exactly
// one capturing group) against buf, consuming each matched message and
// its pattern-defined suffix, and tests the captured message against
// every binding's own pattern.
func (h *Handler) frameMessages(buf *[]byte) []event.Event {
	var events []event.Event
	for {
		loc := h.cfg.MsgPattern.FindSubmatchIndex(*buf)
		if loc == nil || len(loc) < 4 || loc[2] < 0 || loc[3] < 0 {
			break
		}
		msg := append([]byte(nil), (*buf)[loc[2]:loc[3]]...)
		*buf = append([]byte(nil), (*buf)[loc[1]:]...)

		binMsg := decodeBinary(msg)
		for _, b := range h.cfg.Bindings {
			target := msg
			if b.BinMatching {
				target = binMsg
			}
			m := b.Pattern.FindSubmatch(target)
			if len(m) < 2 {
				continue
			}
			events = append(events, event.NewStateInd(h.id, b.ItemID, value.NewString(string(m[1]))))
		}
	}
	return events
}

// decodeBinary returns msg's decoded binary form if msg is a valid hex
// string, and msg itself otherwise (it already was binary).
func decodeBinary(msg []byte) []byte {
	if b, err := hex.DecodeString(string(msg)); err == nil {
		return b
	}
	return msg
}
