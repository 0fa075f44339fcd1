// Package modbus implements a Modbus/TCP (MBAP) client handler: READ_REQ
// events routed to a bound item issue a "read holding registers" (function
// 0x03) request, and the resulting response is decoded into a STATE_IND for
// the requested item and for every other binding sharing the same unit id
// whose register range is covered by the same response. No Modbus protocol
// library is available in the dependency pack, so the wire framing is
// implemented directly over a plain TCP stream (see DESIGN.md).
package modbus

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/value"
)

// Binding declares one item's holding-register range. FactorRegister, if
// >= 0, names a register holding a power-of-ten scaling exponent applied
// to the decoded value.
type Binding struct {
	ItemID         string
	UnitID         byte
	FirstRegister  int
	LastRegister   int
	FactorRegister int // -1 if unset
}

// Config is the Modbus/TCP handler's static configuration.
type Config struct {
	Hostname          string
	Port              int
	ReconnectInterval time.Duration
	ResponseTimeout   time.Duration
	LogRawData        bool
	LogMsgs           bool
	Bindings          []Binding
}

type pendingRequest struct {
	sentAt  time.Time
	binding Binding
}

// Handler is a Modbus/TCP client. Every item it owns must have an
// explicit binding and becomes readable/not writable: this handler
// only ever issues reads.
type Handler struct {
	id       string
	cfg      Config
	logger   *slog.Logger
	bindings map[string]Binding

	sendCh chan event.Event

	evMu    sync.Mutex
	pending []event.Event

	stMu  sync.Mutex
	state handler.State

	wake chan struct{}
}

// New constructs a Modbus/TCP Handler.
func New(id string, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 5 * time.Second
	}
	bindings := make(map[string]Binding, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		bindings[b.ItemID] = b
	}
	return &Handler{
		id:       id,
		cfg:      cfg,
		logger:   logger,
		bindings: bindings,
		sendCh:   make(chan event.Event, 32),
		wake:     make(chan struct{}, 1),
	}
}

func (h *Handler) ID() string { return h.id }

// Validate requires every owned item to carry a binding and marks
// owned items readable/not writable.
func (h *Handler) Validate(items *item.Registry) error {
	for _, it := range items.OwnedBy(h.id) {
		if _, ok := h.bindings[it.ID]; !ok {
			return fmt.Errorf("modbus %s: item %s has no binding", h.id, it.ID)
		}
		it.Readable = true
		it.Writable = false
	}
	for _, b := range h.cfg.Bindings {
		if _, ok := items.Get(b.ItemID); !ok {
			return fmt.Errorf("modbus %s: item %s not found", h.id, b.ItemID)
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

func (h *Handler) Start(ctx context.Context) error {
	go h.run(ctx)
	return nil
}

// Receive drains whatever STATE_IND events have been decoded since the
// last call.
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

// Send queues a read request for every READ_REQ routed to a bound
// item; the background loop issues it once connected.
func (h *Handler) Send(ctx context.Context, items *item.Registry, events []event.Event) []event.Event {
	for _, ev := range events {
		if ev.Type != event.ReadReq {
			continue
		}
		if _, ok := h.bindings[ev.ItemID]; !ok {
			continue
		}
		select {
		case h.sendCh <- ev:
		default:
			h.logger.Warn("modbus send queue full, dropping request", "link", h.id, "item", ev.ItemID)
		}
	}
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
	h.logger.Error("modbus error", "link", h.id, "error", err)
}

func (h *Handler) run(ctx context.Context) {
	var conn net.Conn
	var lastConnectTry time.Time
	var buf []byte
	var transactionID uint16
	requests := make(map[uint16]pendingRequest)

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
			buf = nil
			requests = make(map[uint16]pendingRequest)
			h.setOperational(true)
			h.logger.Info("modbus connected", "link", h.id, "hostname", h.cfg.Hostname, "port", h.cfg.Port)
			continue
		}

	drainRequests:
		for {
			select {
			case ev := <-h.sendCh:
				b, ok := h.bindings[ev.ItemID]
				if !ok {
					continue
				}
				transactionID++
				if err := writeReadHoldingRegisters(conn, transactionID, b); err != nil {
					h.recordError(fmt.Errorf("write request for item %s: %w", ev.ItemID, err))
					conn.Close()
					conn = nil
					buf = nil
					continue drainRequests
				}
				if h.cfg.LogMsgs {
					h.logger.Debug("modbus request", "link", h.id, "transactionId", transactionID,
						"unitId", b.UnitID, "firstRegister", b.FirstRegister, "lastRegister", b.LastRegister)
				}
				requests[transactionID] = pendingRequest{sentAt: time.Now(), binding: b}
			default:
				break drainRequests
			}
		}
		if conn == nil {
			continue
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		tmp := make([]byte, 256)
		n, err := conn.Read(tmp)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				h.expireTimeouts(requests)
				continue
			}
			h.recordError(fmt.Errorf("read: %w", err))
			conn.Close()
			conn = nil
			buf = nil
			continue
		}
		if n == 0 {
			continue
		}
		if h.cfg.LogRawData {
			h.logger.Debug("modbus received", "link", h.id, "data", hex.EncodeToString(tmp[:n]))
		}
		buf = append(buf, tmp[:n]...)

		if err := h.processBuffer(&buf, requests); err != nil {
			h.recordError(err)
			conn.Close()
			conn = nil
			buf = nil
		}
	}
}

func writeReadHoldingRegisters(conn net.Conn, transactionID uint16, b Binding) error {
	count := b.LastRegister - b.FirstRegister + 1
	address := b.FirstRegister - 1

	msg := make([]byte, 12)
	msg[0] = byte(transactionID >> 8)
	msg[1] = byte(transactionID)
	msg[2] = 0
	msg[3] = 0
	msg[4] = 0
	msg[5] = 6 // following byte count: unit id + function + 4 data bytes
	msg[6] = b.UnitID
	msg[7] = 0x03
	msg[8] = byte(address >> 8)
	msg[9] = byte(address)
	msg[10] = byte(count >> 8)
	msg[11] = byte(count)

	_, err := conn.Write(msg)
	return err
}

// processBuffer extracts every complete MBAP response from buf,
// decodes it against the matching pending request, and skips responses
// with no matching request (logged here). A malformed response is
// returned as an error for the caller to handle.
func (h *Handler) processBuffer(buf *[]byte, requests map[uint16]pendingRequest) error {
	for len(*buf) >= 6 {
		length := int((*buf)[4])<<8 | int((*buf)[5])
		if len(*buf) < length+6 {
			break
		}
		msg := (*buf)[:length+6]
		*buf = append([]byte(nil), (*buf)[length+6:]...)

		if len(msg) < 9 {
			return fmt.Errorf("invalid modbus response %s received", hex.EncodeToString(msg))
		}
		if int(msg[8])+9 != len(msg) {
			return fmt.Errorf("invalid modbus response %s received (byte count mismatch)", hex.EncodeToString(msg))
		}

		transactionID := uint16(msg[0])<<8 | uint16(msg[1])
		data := append([]byte(nil), msg[9:]...)

		if h.cfg.LogMsgs {
			h.logger.Debug("modbus response", "transactionId", transactionID, "unitId", msg[6], "data", hex.EncodeToString(data))
		}

		req, ok := requests[transactionID]
		if !ok {
			h.logger.Warn("modbus response has no matching request", "transactionId", transactionID)
			continue
		}
		delete(requests, transactionID)

		b := req.binding
		wantLen := (b.LastRegister - b.FirstRegister + 1) * 2
		if len(data) != wantLen {
			return fmt.Errorf("response for item %s does not match binding definition", b.ItemID)
		}

		h.emitValue(data, b.FirstRegister, b)
		for _, other := range h.cfg.Bindings {
			if other.ItemID == b.ItemID || other.UnitID != b.UnitID {
				continue
			}
			if other.FirstRegister < b.FirstRegister || other.LastRegister > b.LastRegister {
				continue
			}
			h.emitValue(data, b.FirstRegister, other)
		}
	}
	return nil
}

func (h *Handler) emitValue(data []byte, baseRegister int, b Binding) {
	offset := (b.FirstRegister - baseRegister) * 2
	count := (b.LastRegister - b.FirstRegister + 1) * 2
	if offset < 0 || offset+count > len(data) {
		return
	}
	registerData := data[offset : offset+count]

	num := decodeRegisterValue(registerData)
	if b.FactorRegister >= 0 {
		factorOffset := (b.FactorRegister - baseRegister) * 2
		if factorOffset >= 0 && factorOffset+2 <= len(data) {
			exp := decodeRegisterValue(data[factorOffset : factorOffset+2])
			num *= math.Pow(10, exp)
		}
	}

	h.push(event.NewStateInd(h.id, b.ItemID, value.NewNumber(num, 0)))
}

// decodeRegisterValue decodes a big-endian, sign-extended (by the MSB
// of the first byte) two's-complement integer, per the original
// handler's convert() helper.
func decodeRegisterValue(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	negative := data[0]&0x80 != 0
	var v uint64
	if negative {
		for _, b := range data {
			v = (v << 8) | uint64(^b)
		}
		return -1*float64(v) - 1
	}
	for _, b := range data {
		v = (v << 8) | uint64(b)
	}
	return float64(v)
}

func (h *Handler) expireTimeouts(requests map[uint16]pendingRequest) {
	now := time.Now()
	for id, req := range requests {
		if now.After(req.sentAt.Add(h.cfg.ResponseTimeout)) {
			h.logger.Warn("modbus response timed out", "link", h.id, "item", req.binding.ItemID)
			delete(requests, id)
		}
	}
}

func (h *Handler) push(ev event.Event) {
	h.evMu.Lock()
	h.pending = append(h.pending, ev)
	h.evMu.Unlock()
	h.wakeUp()
}
