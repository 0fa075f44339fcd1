// Package mqtt implements an MQTT v3.1.1 QoS 0 handler: one topic
// pattern per link, templated with the %ItemId% placeholder (spec.md
// §6). Inbound publishes on the subscribed wildcard are mapped back to
// an item id and surfaced as STATE_IND; outbound WRITE_REQ events are
// published to the item's concrete topic (READ_REQ is not published).
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/value"
)

// Binding declares one item published/subscribed on this link's topic
// pattern.
type Binding struct {
	ItemID string
}

// Config is the MQTT handler's static configuration.
type Config struct {
	Broker            string // e.g. tcp://host:1883 or ssl://host:8883
	ClientID          string
	Username          string
	Password          string
	Pattern           Pattern
	ReconnectInterval time.Duration
	IdleTimeout       time.Duration // keep-alive, seconds granularity at the wire
	LogRawData        bool
	Bindings          []Binding
}

// Handler is an MQTT v3.1.1 QoS 0 client built on autopaho, which owns
// reconnection on its own goroutine; this handler only bridges that
// goroutine's inbound publishes into the engine's readiness primitive.
type Handler struct {
	id       string
	cfg      Config
	logger   *slog.Logger
	bindings map[string]Binding

	cm *autopaho.ConnectionManager

	wake chan struct{}

	evMu    sync.Mutex
	pending []event.Event

	stMu  sync.Mutex
	state handler.State
}

// New constructs an MQTT Handler.
func New(id string, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "weaver-" + id + "-" + randomClientSuffix()
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
		wake:     make(chan struct{}, 1),
	}
}

// randomClientSuffix generates a fresh per-process suffix so two
// instances of the same link id never collide on the broker's session
// table. Falls back to the fixed suffix "0" on the practically-impossible
// entropy failure.
func randomClientSuffix() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "0"
	}
	return id.String()
}

func (h *Handler) ID() string { return h.id }

// Validate requires every owned item to be listed in Bindings and
// marks owned items readable/writable/responsive: MQTT endpoints
// announce their own state on a successful write.
func (h *Handler) Validate(items *item.Registry) error {
	for _, it := range items.OwnedBy(h.id) {
		if _, ok := h.bindings[it.ID]; !ok {
			return fmt.Errorf("mqtt %s: item %s has no binding", h.id, it.ID)
		}
		it.Readable = true
		it.Writable = true
		it.Responsive = true
	}
	for _, b := range h.cfg.Bindings {
		if _, ok := items.Get(b.ItemID); !ok {
			return fmt.Errorf("mqtt %s: item %s not found", h.id, b.ItemID)
		}
	}
	if !h.cfg.Pattern.IsSet() {
		return fmt.Errorf("mqtt %s: topic pattern must contain %%ItemId%%", h.id)
	}
	return nil
}

func (h *Handler) State() handler.State {
	h.stMu.Lock()
	defer h.stMu.Unlock()
	return h.state
}

// Start connects to the broker in the background via autopaho, which
// owns reconnection with its own backoff; OnConnectionUp/OnConnectError
// update the handler's operational state and wake the engine.
func (h *Handler) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(h.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqtt %s: parse broker url: %w", h.id, err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:        []*url.URL{brokerURL},
		KeepAlive:         uint16(h.cfg.IdleTimeout / time.Second),
		ConnectRetryDelay: h.cfg.ReconnectInterval,
		ConnectUsername:   h.cfg.Username,
		ConnectPassword:   []byte(h.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			h.setOperational(true)
			sub := h.cfg.Pattern.SubTopic()
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: sub, QoS: 0}},
			}); err != nil {
				h.logger.Error("mqtt subscribe failed", "link", h.id, "topic", sub, "error", err)
				h.recordError()
				return
			}
			h.logger.Info("mqtt connected", "link", h.id, "broker", h.cfg.Broker, "topic", sub)
		},
		OnConnectError: func(err error) {
			h.logger.Warn("mqtt connection error", "link", h.id, "error", err)
			h.setOperational(false)
			h.recordError()
		},
		ClientConfig: paho.ClientConfig{
			ClientID: h.cfg.ClientID,
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt %s: connect: %w", h.id, err)
	}
	h.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		h.onPublish(pr)
		return true, nil
	})

	return nil
}

func (h *Handler) onPublish(pr autopaho.PublishReceived) {
	h.onPublishRaw(pr.Packet.Topic, pr.Packet.Payload)
}

// onPublishRaw maps an observed topic back to an item id via the
// link's pattern and surfaces its payload as a STATE_IND. Split out
// from onPublish so it can be exercised without constructing an
// autopaho.PublishReceived value.
func (h *Handler) onPublishRaw(topic string, payload []byte) {
	itemID, ok := h.cfg.Pattern.ItemID(topic)
	if !ok {
		return
	}
	if _, bound := h.bindings[itemID]; !bound {
		return
	}
	s := string(payload)
	if h.cfg.LogRawData {
		h.logger.Debug("mqtt received", "link", h.id, "topic", topic, "payload", s)
	}
	h.push(event.NewStateInd(h.id, itemID, value.NewString(s)))
}

func (h *Handler) Wake() <-chan struct{} { return h.wake }

func (h *Handler) wakeUp() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Receive drains whatever publishes have arrived since the last call.
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

// Send publishes WRITE_REQ events for bound items. A READ_REQ
// has no MQTT equivalent (there is no request/response in this
// protocol); it is silently ignored, matching an unresponsive transport.
func (h *Handler) Send(ctx context.Context, items *item.Registry, events []event.Event) []event.Event {
	if h.cm == nil {
		return nil
	}
	for _, ev := range events {
		if ev.Type != event.WriteReq {
			continue
		}
		if _, ok := h.bindings[ev.ItemID]; !ok {
			continue
		}
		topic := h.cfg.Pattern.PubTopic(ev.ItemID)
		payload := ev.Value.String()
		if h.cfg.LogRawData {
			h.logger.Debug("mqtt publishing", "link", h.id, "topic", topic, "payload", payload)
		}
		if _, err := h.cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: []byte(payload),
			QoS:     0,
		}); err != nil {
			h.logger.Error("mqtt publish failed", "link", h.id, "topic", topic, "error", err)
			h.recordError()
			continue
		}
		h.push(event.NewStateInd(h.id, ev.ItemID, ev.Value))
	}
	return nil
}

func (h *Handler) push(ev event.Event) {
	h.evMu.Lock()
	h.pending = append(h.pending, ev)
	h.evMu.Unlock()
	h.wakeUp()
}

func (h *Handler) setOperational(ok bool) {
	h.stMu.Lock()
	h.state.Operational = ok
	h.stMu.Unlock()
}

func (h *Handler) recordError() {
	h.stMu.Lock()
	h.state.ErrorCounter++
	h.stMu.Unlock()
}
