// Package knx implements a KNXnet/IP tunnelling client handler: it
// maintains a UDP tunnelling connection to a KNX/IP gateway, relays
// L_Data.ind group telegrams into READ_REQ/STATE_IND/WRITE_REQ events
// (depending on which side owns the bound item), and relays outbound
// events back onto the bus as L_Data.req telegrams, one at a time,
// gated on the gateway's L_Data.con confirmation.
package knx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/item"
)

type connState int

const (
	stateDisconnected connState = iota
	stateWaitForConnResp
	stateConnected
)

// Binding ties an item to its state and/or write group address and the
// datapoint type used to convert between bus telegrams and Values. A
// binding with both group addresses set makes the item both readable
// and writable; either may be left null.
type Binding struct {
	ItemID  string
	StateGa GroupAddr
	WriteGa GroupAddr
	Dpt     DPT
}

// Config is the KNX handler's static configuration.
type Config struct {
	LocalIP              net.IP // nil selects the wildcard address
	NATMode              bool
	Gateway              string
	Port                 int
	ReconnectInterval    time.Duration
	ConnStateReqInterval time.Duration
	ControlRespTimeout   time.Duration
	LDataConTimeout      time.Duration
	PhysicalAddr         PhysicalAddr
	LogRawMsg            bool
	LogData              bool
	Bindings             []Binding
}

type ldataReq struct {
	ga   GroupAddr
	data []byte
}

// Handler is a KNXnet/IP tunnelling client.
type Handler struct {
	id       string
	cfg      Config
	logger   *slog.Logger
	bindings map[string]Binding

	// items is captured once by Validate, before Start is called, and
	// is never mutated afterwards: safe to read from the background
	// goroutine without additional synchronisation.
	items *item.Registry

	sendCh chan event.Event

	wake chan struct{}

	evMu    sync.Mutex
	pending []event.Event

	stMu  sync.Mutex
	state handler.State
}

// New constructs a KNX Handler.
func New(id string, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.ConnStateReqInterval <= 0 {
		cfg.ConnStateReqInterval = 60 * time.Second
	}
	if cfg.ControlRespTimeout <= 0 {
		cfg.ControlRespTimeout = 5 * time.Second
	}
	if cfg.LDataConTimeout <= 0 {
		cfg.LDataConTimeout = 3 * time.Second
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
		sendCh:   make(chan event.Event, 64),
		wake:     make(chan struct{}, 1),
	}
}

func (h *Handler) ID() string { return h.id }

// Validate requires every owned item to carry a binding with at least
// one group address, and derives Readable/Writable from which group
// addresses are set.
func (h *Handler) Validate(items *item.Registry) error {
	for _, it := range items.OwnedBy(h.id) {
		b, ok := h.bindings[it.ID]
		if !ok {
			return fmt.Errorf("knx %s: item %s has no binding", h.id, it.ID)
		}
		if b.StateGa.IsNull() && b.WriteGa.IsNull() {
			return fmt.Errorf("knx %s: item %s binding has neither a state nor a write group address", h.id, it.ID)
		}
		if !b.StateGa.IsNull() && !b.WriteGa.IsNull() && b.StateGa.Equal(b.WriteGa) {
			return fmt.Errorf("knx %s: item %s: stateGa and writeGa must not be identical", h.id, it.ID)
		}
		it.Readable = !b.StateGa.IsNull()
		it.Writable = !b.WriteGa.IsNull()
	}
	for _, b := range h.cfg.Bindings {
		if _, ok := items.Get(b.ItemID); !ok {
			return fmt.Errorf("knx %s: item %s not found", h.id, b.ItemID)
		}
	}
	h.items = items
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

// Receive drains whatever events the background loop has translated
// from bus telegrams since the last call.
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

// Send queues events bound to a KNX item; the background loop
// translates them into L_Data.req telegrams, one at a time.
func (h *Handler) Send(ctx context.Context, items *item.Registry, events []event.Event) []event.Event {
	for _, ev := range events {
		if _, ok := h.bindings[ev.ItemID]; !ok {
			continue
		}
		select {
		case h.sendCh <- ev:
		default:
			h.logger.Warn("knx send queue full, dropping event", "link", h.id, "item", ev.ItemID)
		}
	}
	return nil
}

func (h *Handler) push(ev event.Event) {
	h.evMu.Lock()
	h.pending = append(h.pending, ev)
	h.evMu.Unlock()
	h.wakeUp()
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
	h.logger.Error("knx error", "link", h.id, "error", err)
}

func (h *Handler) isOwner(itemID string) bool {
	it, ok := h.items.Get(itemID)
	return ok && it.OwnerID == h.id
}

// run owns the UDP socket and every piece of protocol state: the
// connection state machine, sequence numbers, and the single
// in-flight outbound telegram. Nothing here is touched by any other
// goroutine.
func (h *Handler) run(ctx context.Context) {
	var conn *net.UDPConn
	var gatewayAddr *net.UDPAddr
	var dataAddr *net.UDPAddr
	var localPort int

	state := stateDisconnected
	var lastConnectTry time.Time
	var controlReqSendTime time.Time
	var ongoingConnStateReq bool
	var channelID byte
	var lastReceivedSeqNo, lastSentSeqNo byte
	var ongoingLDataReq bool
	var waitingLDataReqs []ldataReq
	waitingReadReqs := make(map[string]bool)

	localIP := [4]byte{}
	if h.cfg.LocalIP != nil {
		if ip4 := h.cfg.LocalIP.To4(); ip4 != nil {
			copy(localIP[:], ip4)
		}
	}

	disconnect := func() {
		if state == stateConnected && conn != nil {
			msg := addHeader(svcDiscReq, createLongHpai(channelID, localIP, uint16(localPort)))
			conn.WriteToUDP(msg, gatewayAddr)
		}
		if conn != nil {
			conn.Close()
			conn = nil
		}
		state = stateDisconnected
		ongoingLDataReq = false
		waitingLDataReqs = nil
		h.setOperational(false)
	}

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

		if state == stateDisconnected {
			now := time.Now()
			if now.Before(lastConnectTry.Add(h.cfg.ReconnectInterval)) {
				time.Sleep(20 * time.Millisecond)
				continue
			}
			lastConnectTry = now

			addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", h.cfg.Gateway, h.cfg.Port))
			if err != nil {
				h.recordError(fmt.Errorf("resolve gateway %s:%d: %w", h.cfg.Gateway, h.cfg.Port, err))
				continue
			}
			gatewayAddr = addr

			c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: h.cfg.LocalIP, Port: 0})
			if err != nil {
				h.recordError(fmt.Errorf("listen: %w", err))
				continue
			}
			conn = c
			localPort = conn.LocalAddr().(*net.UDPAddr).Port

			h.logger.Debug("knx using local endpoint", "link", h.id, "port", localPort, "natMode", h.cfg.NATMode)

			hpai := createHpai(localIP, uint16(localPort))
			if h.cfg.NATMode {
				hpai = createHpai([4]byte{}, 0)
			}
			body := append([]byte{}, hpai...)
			body = append(body, hpai...)
			body = append(body, createCRI()...)
			msg := addHeader(svcConnReq, body)
			if _, err := conn.WriteToUDP(msg, gatewayAddr); err != nil {
				h.recordError(fmt.Errorf("send CONN_REQ: %w", err))
				conn.Close()
				conn = nil
				continue
			}
			h.logKnxMsg(msg, false)

			state = stateWaitForConnResp
			controlReqSendTime = time.Now()
			continue
		}

		now := time.Now()
		if state == stateConnected && !ongoingConnStateReq && now.After(controlReqSendTime.Add(h.cfg.ConnStateReqInterval)) {
			controlReqSendTime = now
			ongoingConnStateReq = true
			msg := addHeader(svcConnStateReq, createLongHpai(channelID, localIP, uint16(localPort)))
			if h.cfg.NATMode {
				msg = addHeader(svcConnStateReq, createLongHpai(channelID, [4]byte{}, 0))
			}
			conn.WriteToUDP(msg, gatewayAddr)
			h.logKnxMsg(msg, false)
		} else if state == stateConnected && ongoingConnStateReq && now.After(controlReqSendTime.Add(h.cfg.ControlRespTimeout)) {
			h.recordError(fmt.Errorf("connection state request not answered in time"))
			disconnect()
			continue
		} else if state == stateWaitForConnResp && now.After(controlReqSendTime.Add(h.cfg.ControlRespTimeout)) {
			h.recordError(fmt.Errorf("connection request not answered in time"))
			disconnect()
			continue
		}

		if state == stateConnected {
		drainSend:
			for {
				select {
				case ev := <-h.sendCh:
					if req, ok := h.buildLDataReq(ev, waitingReadReqs); ok {
						waitingLDataReqs = append(waitingLDataReqs, req)
					}
				default:
					break drainSend
				}
			}

			if !ongoingLDataReq && len(waitingLDataReqs) > 0 {
				lastSentSeqNo++
				req := waitingLDataReqs[0]
				waitingLDataReqs = waitingLDataReqs[1:]
				msg := addHeader(svcTunnelReq, append(createTunnelHeader(channelID, lastSentSeqNo), createCemiFrame(h.cfg.PhysicalAddr, req.ga, req.data)...))
				if _, err := conn.WriteToUDP(msg, dataAddr); err != nil {
					h.recordError(fmt.Errorf("send TUNNEL_REQ: %w", err))
					disconnect()
					continue
				}
				ongoingLDataReq = true
				h.logTunnelReq(msg)
			}
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		buf := make([]byte, 1024)
		n, senderAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			h.recordError(fmt.Errorf("recvfrom: %w", err))
			disconnect()
			continue
		}
		msg := buf[:n]
		h.logKnxMsg(msg, true)

		if err := checkMsg(msg); err != nil {
			h.recordError(err)
			disconnect()
			continue
		}
		serviceType := uint16(msg[2])<<8 | uint16(msg[3])

		switch {
		case state == stateConnected && serviceType == svcTunnelReq:
			h.logTunnelReq(msg)
			if err := checkTunnelReq(msg, channelID); err != nil {
				h.recordError(err)
				disconnect()
				continue
			}
			seqNo := msg[8]
			if seqNo == lastReceivedSeqNo {
				continue
			}
			if seqNo != (lastReceivedSeqNo+1)&0xFF {
				h.logger.Warn("knx received TUNNEL REQUEST has invalid sequence number",
					"link", h.id, "got", seqNo, "last", lastReceivedSeqNo)
			}
			lastReceivedSeqNo = seqNo

			resp := addHeader(svcTunnelResp, createTunnelHeader(channelID, seqNo))
			if _, err := conn.WriteToUDP(resp, dataAddr); err != nil {
				h.recordError(fmt.Errorf("send TUNNEL_RESP: %w", err))
				disconnect()
				continue
			}

			if len(msg) < 11 {
				continue
			}
			msgCode := msg[10]
			if msgCode == msgCodeLDataInd {
				h.handleLDataInd(msg, waitingReadReqs)
			} else if msgCode == msgCodeLDataCon {
				ongoingLDataReq = false
			}

		case state == stateConnected && serviceType == svcTunnelResp:
			if err := checkTunnelResp(msg); err != nil {
				h.recordError(err)
				disconnect()
				continue
			}

		case state == stateConnected && serviceType == svcConnStateResp && ongoingConnStateReq:
			if err := checkConnStateResp(msg, channelID); err != nil {
				h.recordError(err)
				disconnect()
				continue
			}
			ongoingConnStateReq = false

		case state == stateWaitForConnResp && serviceType == svcConnResp:
			if err := checkConnResp(msg); err != nil {
				h.recordError(err)
				disconnect()
				continue
			}
			dataIP := [4]byte{msg[10], msg[11], msg[12], msg[13]}
			dataPort := uint16(msg[14])<<8 | uint16(msg[15])
			addr := &net.UDPAddr{IP: net.IPv4(dataIP[0], dataIP[1], dataIP[2], dataIP[3]), Port: int(dataPort)}
			if h.cfg.NATMode && (dataPort == 0 || (dataIP == [4]byte{})) {
				addr = senderAddr
			}
			dataAddr = addr
			channelID = msg[6]

			state = stateConnected
			ongoingConnStateReq = false
			ongoingLDataReq = false
			waitingLDataReqs = nil
			lastReceivedSeqNo = 0xFF
			lastSentSeqNo = 0xFF

			h.logger.Debug("knx using channel", "link", h.id, "channelId", fmt.Sprintf("0x%02x", channelID))
			h.logger.Info("knx connected", "link", h.id, "gateway", h.cfg.Gateway, "port", h.cfg.Port)
			h.setOperational(true)

		case state == stateConnected && serviceType == svcDiscReq:
			h.recordError(fmt.Errorf("disconnect request received"))
			disconnect()

		default:
			h.logger.Warn("knx received unexpected message", "link", h.id, "serviceType", serviceTypeName(serviceType))
		}
	}
}

// buildLDataReq converts one outbound event into the telegram it
// should produce, mirroring the original handler's APCI selection:
// WRITE_REQ always uses the write APCI, STATE_IND uses the response
// APCI if a bus-originated read is pending for this item and the
// write APCI otherwise, and READ_REQ carries an empty GroupValueRead.
func (h *Handler) buildLDataReq(ev event.Event, waitingReadReqs map[string]bool) (ldataReq, bool) {
	b, ok := h.bindings[ev.ItemID]
	if !ok {
		return ldataReq{}, false
	}
	owner := h.isOwner(ev.ItemID)

	var data []byte
	switch ev.Type {
	case event.ReadReq:
		data = []byte{0x00}
	case event.WriteReq, event.StateInd:
		d, ok := b.Dpt.Export(ev.Value)
		if !ok {
			h.logger.Error("knx cannot convert value to datapoint type", "link", h.id, "item", ev.ItemID, "dpt", b.Dpt.String(), "value", ev.Value.String())
			return ldataReq{}, false
		}
		data = d
		if ev.Type == event.WriteReq {
			data[0] |= 0x80
		} else if waitingReadReqs[ev.ItemID] {
			data[0] |= 0x40
			delete(waitingReadReqs, ev.ItemID)
		} else {
			data[0] |= 0x80
		}
	default:
		return ldataReq{}, false
	}

	switch {
	case ev.Type == event.ReadReq && owner:
		if !b.StateGa.IsNull() {
			return ldataReq{ga: b.StateGa, data: data}, true
		}
		if !b.WriteGa.IsNull() {
			return ldataReq{ga: b.WriteGa, data: data}, true
		}
	case ev.Type == event.StateInd && !owner && !b.StateGa.IsNull():
		return ldataReq{ga: b.StateGa, data: data}, true
	case ev.Type == event.WriteReq && owner && !b.WriteGa.IsNull():
		return ldataReq{ga: b.WriteGa, data: data}, true
	}
	return ldataReq{}, false
}

// handleLDataInd translates one received L_Data.ind telegram into
// events for every binding whose group address it matches, per the
// original handler's ownership-dependent routing.
func (h *Handler) handleLDataInd(msg []byte, waitingReadReqs map[string]bool) {
	if len(msg) < 20 {
		return
	}
	ga := groupAddrFromBytes(msg[16], msg[17])
	dataLen := int(msg[18])
	if 20+dataLen > len(msg) {
		return
	}
	data := append([]byte(nil), msg[20:20+dataLen]...)

	for _, b := range h.cfg.Bindings {
		owner := h.isOwner(b.ItemID)
		matchesState := ga.Equal(b.StateGa)
		matchesWrite := ga.Equal(b.WriteGa)

		switch {
		case (matchesState || matchesWrite) && !owner && len(data) == 1 && data[0]&0xC0 == 0x00:
			h.push(event.NewReadReq(h.id, b.ItemID))
			waitingReadReqs[b.ItemID] = true
		case matchesState && owner:
			v, ok := b.Dpt.Import(data)
			if !ok {
				h.logger.Error("knx cannot convert datapoint to value", "link", h.id, "item", b.ItemID, "dpt", b.Dpt.String())
				continue
			}
			h.push(event.NewStateInd(h.id, b.ItemID, v))
		case matchesWrite && !owner:
			v, ok := b.Dpt.Import(data)
			if !ok {
				h.logger.Error("knx cannot convert datapoint to value", "link", h.id, "item", b.ItemID, "dpt", b.Dpt.String())
				continue
			}
			h.push(event.NewWriteReq(h.id, b.ItemID, v))
		}
	}
}

func (h *Handler) logKnxMsg(msg []byte, received bool) {
	if !h.cfg.LogRawMsg || len(msg) < 4 {
		return
	}
	serviceType := uint16(msg[2])<<8 | uint16(msg[3])
	dir := "S"
	if received {
		dir = "R"
	}
	h.logger.Debug("knx raw", "link", h.id, "dir", dir, "serviceType", serviceTypeName(serviceType), "data", fmt.Sprintf("%x", msg))
}

func (h *Handler) logTunnelReq(msg []byte) {
	if !h.cfg.LogData || len(msg) < 20 {
		return
	}
	pa := PhysicalAddr{value: uint16(msg[14])<<8 | uint16(msg[15])}
	ga := groupAddrFromBytes(msg[16], msg[17])
	dataLen := int(msg[18])
	if 20+dataLen > len(msg) {
		return
	}
	h.logger.Debug("knx telegram", "link", h.id, "msgCode", fmt.Sprintf("0x%02x", msg[10]), "from", pa.String(), "to", ga.String(), "data", fmt.Sprintf("%x", msg[20:20+dataLen]))
}
