// Package http implements a polling/triggered HTTP(S) handler: every
// READ_REQ or WRITE_REQ routed to a bound item fires an HTTP transfer,
// and the response is matched against a per-binding pattern to produce
// a STATE_IND once the transfer completes. A binding may additionally
// carry a SOAP action, wrapping Request in a minimal SOAP envelope and
// setting the SOAPAction header — the TR-064/FRITZ!Box specialisation
// folded into this handler rather than kept as a ninth handler kind.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/httpkit"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/value"
)

// Binding declares the HTTP transfer fired for one item.
type Binding struct {
	ItemID          string
	URL             string
	Headers         map[string]string
	Request         string // non-empty selects POST over GET
	SoapAction      string // non-empty wraps Request in a SOAP envelope
	ResponsePattern *regexp.Regexp
}

// Config is the HTTP handler's static configuration.
type Config struct {
	User         string
	Password     string
	LogTransfers bool
	Timeout      time.Duration
	Bindings     []Binding
}

// Handler fires one HTTP transfer per routed READ_REQ/WRITE_REQ event,
// running each on its own goroutine (the Go equivalent of the original
// curl multi-handle's concurrent easy handles), and reports completions
// as STATE_IND events on the next Receive.
type Handler struct {
	id       string
	cfg      Config
	logger   *slog.Logger
	bindings map[string]Binding
	client   *http.Client

	evMu    sync.Mutex
	pending []event.Event

	stMu  sync.Mutex
	state handler.State

	wake chan struct{}
}

// New constructs an HTTP Handler.
func New(id string, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
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
		client:   httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
		wake:     make(chan struct{}, 1),
		state:    handler.State{Operational: true},
	}
}

func (h *Handler) ID() string { return h.id }

// Validate requires every owned item to carry a binding and marks
// owned items readable/writable/responsive: the handler answers both
// reads and writes by firing the configured transfer.
func (h *Handler) Validate(items *item.Registry) error {
	for _, it := range items.OwnedBy(h.id) {
		if _, ok := h.bindings[it.ID]; !ok {
			return fmt.Errorf("http %s: item %s has no binding", h.id, it.ID)
		}
		it.Readable = true
		it.Writable = true
		it.Responsive = true
	}
	for _, b := range h.cfg.Bindings {
		if _, ok := items.Get(b.ItemID); !ok {
			return fmt.Errorf("http %s: item %s not found", h.id, b.ItemID)
		}
	}
	return nil
}

func (h *Handler) State() handler.State {
	h.stMu.Lock()
	defer h.stMu.Unlock()
	return h.state
}

func (h *Handler) Start(ctx context.Context) error { return nil }

func (h *Handler) Wake() <-chan struct{} { return h.wake }

func (h *Handler) wakeUp() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Receive drains whatever transfer completions have arrived.
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

// Send fires one HTTP transfer per event whose item carries a binding,
// each on its own goroutine; results surface on the following Receive.
func (h *Handler) Send(ctx context.Context, items *item.Registry, events []event.Event) []event.Event {
	for _, ev := range events {
		b, ok := h.bindings[ev.ItemID]
		if !ok {
			continue
		}
		go h.transfer(ctx, b)
	}
	return nil
}

func (h *Handler) transfer(ctx context.Context, b Binding) {
	reqCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	method := http.MethodGet
	body := b.Request
	if b.SoapAction != "" {
		body = soapEnvelope(b.Request)
	}

	var bodyReader io.Reader
	if body != "" {
		method = http.MethodPost
		bodyReader = bytes.NewBufferString(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, b.URL, bodyReader)
	if err != nil {
		h.recordError(fmt.Errorf("build request for %s: %w", b.ItemID, err))
		return
	}
	for k, v := range b.Headers {
		req.Header.Set(k, v)
	}
	if b.SoapAction != "" {
		req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
		req.Header.Set("SOAPAction", b.SoapAction)
	}
	if h.cfg.User != "" {
		req.SetBasicAuth(h.cfg.User, h.cfg.Password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.recordError(fmt.Errorf("transfer for item %s failed: %w", b.ItemID, err))
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		h.recordError(fmt.Errorf("read response for item %s: %w", b.ItemID, err))
		return
	}
	response := string(raw)

	if h.cfg.LogTransfers {
		h.logger.Debug("http transfer completed", "link", h.id, "item", b.ItemID, "response", response)
	}

	if b.ResponsePattern == nil {
		h.push(event.NewStateInd(h.id, b.ItemID, value.VoidValue()))
		return
	}

	m := b.ResponsePattern.FindStringSubmatch(response)
	if m == nil {
		h.recordError(fmt.Errorf("transfer for item %s returned invalid response %q", b.ItemID, response))
		return
	}
	if len(m) == 2 {
		h.push(event.NewStateInd(h.id, b.ItemID, value.NewString(m[1])))
	} else {
		h.push(event.NewStateInd(h.id, b.ItemID, value.VoidValue()))
	}
}

func (h *Handler) push(ev event.Event) {
	h.evMu.Lock()
	h.pending = append(h.pending, ev)
	h.evMu.Unlock()
	h.wakeUp()
}

func (h *Handler) recordError(err error) {
	h.stMu.Lock()
	h.state.ErrorCounter++
	h.stMu.Unlock()
	h.logger.Error("http error", "link", h.id, "error", err)
}

func soapEnvelope(body string) string {
	return `<?xml version="1.0"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" ` +
		`s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>` +
		body + `</s:Body></s:Envelope>`
}
