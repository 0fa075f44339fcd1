// Package storage implements a file-backed handler: the items it owns
// persist their last values to a JSON file between runs, per
// spec.md §6 and the original storage handler it is grounded on.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/jsonc"
	"github.com/peti69/weaver/internal/value"
)

// Binding declares one owned item's persistence policy.
type Binding struct {
	ItemID       string
	InitialValue value.Value
	Persistent   bool
}

// Config is the storage handler's static configuration.
type Config struct {
	FileName       string
	Bindings       []Binding
	RereadInterval time.Duration // retry backoff after a failed file read
}

// Handler persists WRITE_REQs for its owned items to a JSON file and
// replays them as STATE_INDs on the next start.
type Handler struct {
	id     string
	cfg    Config
	logger *slog.Logger

	bindings map[string]Binding

	fileRead    bool
	lastReadTry time.Time

	state handler.State
}

// New constructs a storage Handler.
func New(id string, cfg Config, logger *slog.Logger) *Handler {
	if cfg.RereadInterval <= 0 {
		cfg.RereadInterval = 5 * time.Second
	}
	bindings := make(map[string]Binding, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		bindings[b.ItemID] = b
	}
	return &Handler{id: id, cfg: cfg, logger: logger, bindings: bindings}
}

func (h *Handler) ID() string { return h.id }

// Validate defaults every owned item without an explicit binding to an
// Undefined, non-persistent binding, marks owned items
// write-only/responsive, and checks each binding's initial value
// matches its item's declared types.
func (h *Handler) Validate(items *item.Registry) error {
	for _, it := range items.OwnedBy(h.id) {
		it.Readable = false
		it.Writable = true
		it.Responsive = true
		if _, ok := h.bindings[it.ID]; !ok {
			h.bindings[it.ID] = Binding{ItemID: it.ID, InitialValue: value.UndefinedValue()}
		}
	}
	for id, b := range h.bindings {
		it, ok := items.Get(id)
		if !ok {
			return fmt.Errorf("storage %s: item %s not found", h.id, id)
		}
		if it.OwnerID != h.id {
			return fmt.Errorf("storage %s: item %s not owned by this link", h.id, id)
		}
		if !it.AcceptsKind(b.InitialValue.Kind()) {
			return fmt.Errorf("storage %s: item %s initial value type %s not accepted", h.id, id, b.InitialValue.Kind())
		}
	}
	return nil
}

func (h *Handler) State() handler.State { return h.state }

func (h *Handler) Start(ctx context.Context) error { return nil }

// Wake is nil: storage is driven purely by the engine's base timeout,
// since the only asynchronous condition it has (a failed read) is
// itself governed by RereadInterval, polled each pass.
func (h *Handler) Wake() <-chan struct{} { return nil }

// Receive attempts, at most once per RereadInterval until it succeeds,
// to load the persisted file and replay it as STATE_INDs.
func (h *Handler) Receive(ctx context.Context, items *item.Registry) []event.Event {
	if h.fileRead {
		return nil
	}
	now := time.Now()
	if now.Before(h.lastReadTry.Add(h.cfg.RereadInterval)) {
		return nil
	}
	h.lastReadTry = now

	events, err := h.readFile(items)
	if err != nil {
		h.state.ErrorCounter++
		h.logger.Error("storage read failed", "link", h.id, "error", err)
		return nil
	}
	h.fileRead = true
	h.state.Operational = true
	return events
}

func (h *Handler) readFile(items *item.Registry) ([]event.Event, error) {
	raw, err := os.ReadFile(h.cfg.FileName)
	if os.IsNotExist(err) {
		raw = []byte("{}")
	} else if err != nil {
		return nil, fmt.Errorf("open %s: %w", h.cfg.FileName, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(jsonc.Strip(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", h.cfg.FileName, err)
	}

	seen := make(map[string]bool, len(doc))
	var events []event.Event
	for id, raw := range doc {
		b, ok := h.bindings[id]
		if !ok {
			return nil, fmt.Errorf("item %s is unknown", id)
		}
		it, ok := items.Get(id)
		if !ok || it.OwnerID != h.id {
			return nil, fmt.Errorf("item %s is not owned by %s", id, h.id)
		}
		seen[id] = true

		v, ok := decodeStoredValue(raw, it)
		if !ok {
			return nil, fmt.Errorf("value for item %s is not supported", id)
		}
		events = append(events, event.NewStateInd(h.id, id, v))
		_ = b
	}

	for id, b := range h.bindings {
		if !seen[id] {
			events = append(events, event.NewStateInd(h.id, id, b.InitialValue))
		}
	}
	return events, nil
}

func decodeStoredValue(raw any, it *item.Item) (value.Value, bool) {
	switch v := raw.(type) {
	case string:
		if it.AcceptsKind(value.TimePoint) {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return value.NewTimePoint(t), true
			}
		}
		if it.AcceptsKind(value.String) {
			return value.NewString(v), true
		}
	case bool:
		if it.AcceptsKind(value.Boolean) {
			return value.NewBoolean(v), true
		}
	case float64:
		if it.AcceptsKind(value.Number) {
			return value.NewNumber(v, it.Unit), true
		}
	case nil:
		if it.AcceptsKind(value.Undefined) {
			return value.UndefinedValue(), true
		}
	}
	return value.Value{}, false
}

// Send persists any WRITE_REQ that actually changes a value, writing
// the whole owned/persistent set atomically (temp file + rename, since
// the pack carries no higher-level atomic-file-write helper), then
// echoes the changes back as STATE_INDs.
func (h *Handler) Send(ctx context.Context, items *item.Registry, events []event.Event) []event.Event {
	if !h.fileRead {
		return nil
	}

	changed := make(map[string]value.Value)
	for _, ev := range events {
		if ev.Type != event.WriteReq {
			continue
		}
		it, ok := items.Get(ev.ItemID)
		if !ok || it.LastValue().Equal(ev.Value) {
			continue
		}
		changed[ev.ItemID] = ev.Value
	}
	if len(changed) == 0 {
		return nil
	}

	if err := h.persist(items, changed); err != nil {
		h.state.ErrorCounter++
		h.logger.Error("storage write failed", "link", h.id, "error", err)
		return nil
	}

	out := make([]event.Event, 0, len(changed))
	for id, v := range changed {
		out = append(out, event.NewStateInd(h.id, id, v))
	}
	return out
}

func (h *Handler) persist(items *item.Registry, changed map[string]value.Value) error {
	doc := make(map[string]any)
	for _, it := range items.OwnedBy(h.id) {
		b, ok := h.bindings[it.ID]
		if !ok || !b.Persistent {
			continue
		}
		v := it.LastValue()
		if nv, ok := changed[it.ID]; ok {
			v = nv
		}
		doc[it.ID] = encodeStoredValue(v)
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(h.cfg.FileName)
	tmp, err := os.CreateTemp(dir, ".storage-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, h.cfg.FileName)
}

func encodeStoredValue(v value.Value) any {
	switch v.Kind() {
	case value.String:
		return v.StringVal()
	case value.Boolean:
		return v.BoolVal()
	case value.Number:
		return v.NumberVal()
	case value.TimePoint:
		return v.TimeVal().Format(time.RFC3339)
	default:
		return nil
	}
}
