package link

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/unit"
	"github.com/peti69/weaver/internal/value"
)

// Link wires one Handler into the bus: it owns the handler's
// operational-health bookkeeping and runs the inbound/outbound
// coercion pipelines described by its Config/Modifiers, per spec.md
// §4.2. The engine only ever talks to a Link, never to a bare Handler.
type Link struct {
	cfg     Config
	handler handler.Handler
	logger  *slog.Logger

	pendingEvents []event.Event // queued ahead of the next Receive call
	oldState      handler.State
}

// New constructs a Link and queues the initial operational/error-
// counter STATE_INDs (spec.md §4.2 "Operational health reporting"):
// their first value is announced before the handler has done anything.
func New(cfg Config, h handler.Handler, logger *slog.Logger) *Link {
	l := &Link{cfg: cfg, handler: h, logger: logger}
	if cfg.OperationalItemID != "" {
		l.pendingEvents = append(l.pendingEvents,
			event.NewStateInd(event.ControlLinkID, cfg.OperationalItemID, value.NewBoolean(l.oldState.Operational)))
	}
	if cfg.ErrorCounterItemID != "" {
		l.pendingEvents = append(l.pendingEvents,
			event.NewStateInd(event.ControlLinkID, cfg.ErrorCounterItemID, value.NewNumber(float64(l.oldState.ErrorCounter), unit.None)))
	}
	return l
}

// ID returns the link's configured id.
func (l *Link) ID() string { return l.cfg.ID }

// Enabled reports whether the link participates in the engine's loop.
func (l *Link) Enabled() bool { return l.cfg.Enabled }

// Validate assigns the operational/error-counter items (if configured)
// to the control link and marks them unreadable/unwritable (their value
// types are not checked), checks every
// modifier's unit is compatible with its item, then delegates to the
// wrapped handler.
func (l *Link) Validate(items *item.Registry) error {
	if l.cfg.OperationalItemID != "" {
		it, ok := items.Get(l.cfg.OperationalItemID)
		if !ok {
			return errItemNotFound(l.cfg.OperationalItemID)
		}
		it.OwnerID = event.ControlLinkID
		it.Readable = false
		it.Writable = false
	}
	if l.cfg.ErrorCounterItemID != "" {
		it, ok := items.Get(l.cfg.ErrorCounterItemID)
		if !ok {
			return errItemNotFound(l.cfg.ErrorCounterItemID)
		}
		it.OwnerID = event.ControlLinkID
		it.Readable = false
		it.Writable = false
	}
	for itemID, mod := range l.cfg.Modifiers {
		it, ok := items.Get(itemID)
		if !ok {
			return errItemNotFound(itemID)
		}
		if mod.Unit != unit.None && it.Unit != unit.None && mod.Unit.Type() != it.Unit.Type() {
			return errIncompatibleUnit(itemID, mod.Unit, it.Unit)
		}
	}
	return l.handler.Validate(items)
}

// State returns the wrapped handler's operational state.
func (l *Link) State() handler.State { return l.handler.State() }

// Start begins the wrapped handler's background I/O.
func (l *Link) Start(ctx context.Context) error { return l.handler.Start(ctx) }

// Wake exposes the wrapped handler's readiness channel.
func (l *Link) Wake() <-chan struct{} { return l.handler.Wake() }

// HasPending reports queued events (from operational-health bookkeeping
// or a handler's Send reply) the engine must drain right away, without
// waiting on Wake — the Go equivalent of the original's collectFds
// returning a zero timeout whenever pendingEvents is non-empty.
func (l *Link) HasPending() bool { return len(l.pendingEvents) > 0 }

func errItemNotFound(id string) error {
	return &validationError{msg: "item " + id + " not found"}
}

func errIncompatibleUnit(id string, modUnit, itemUnit unit.Unit) error {
	return &validationError{msg: "item " + id + ": modifier unit " + modUnit.Symbol() + " incompatible with item unit " + itemUnit.Symbol()}
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

// Receive drains queued events (operational-health events and replies
// returned by the handler's Send) first, else calls
// through to the handler, then runs every resulting event through the
// inbound coercion/ownership pipeline, per spec.md §4.2 "Receive".
func (l *Link) Receive(ctx context.Context, items *item.Registry) []event.Event {
	var events []event.Event
	if len(l.pendingEvents) > 0 {
		events = l.pendingEvents
		l.pendingEvents = nil
	} else {
		start := time.Now()
		events = l.handler.Receive(ctx, items)
		if runtime := time.Since(start); l.cfg.MaxReceiveDuration > 0 && runtime > l.cfg.MaxReceiveDuration {
			l.logger.Warn("event receiving took too long", "link", l.cfg.ID, "duration", runtime)
		}
		events = append(events, l.healthEvents()...)
	}

	out := make([]event.Event, 0, len(events))
	for _, ev := range events {
		if filtered, ok := l.filterInbound(ev, items); ok {
			out = append(out, filtered)
		}
	}
	return out
}

// healthEvents compares the handler's current state to the state seen
// on the previous call and returns STATE_INDs for whichever changed.
func (l *Link) healthEvents() []event.Event {
	state := l.handler.State()
	var out []event.Event
	if l.cfg.OperationalItemID != "" && state.Operational != l.oldState.Operational {
		out = append(out, event.NewStateInd(event.ControlLinkID, l.cfg.OperationalItemID, value.NewBoolean(state.Operational)))
	}
	if l.cfg.ErrorCounterItemID != "" && state.ErrorCounter != l.oldState.ErrorCounter {
		out = append(out, event.NewStateInd(event.ControlLinkID, l.cfg.ErrorCounterItemID, value.NewNumber(float64(state.ErrorCounter), unit.None)))
	}
	l.oldState = state
	return out
}

// filterInbound applies ownership/writability/suppression rules and,
// for non-READ events, the value coercion pipeline. ok is false when
// the event must be dropped (a warning has already been logged).
func (l *Link) filterInbound(ev event.Event, items *item.Registry) (event.Event, bool) {
	it, ok := items.Get(ev.ItemID)
	if !ok {
		l.logger.Warn("event received for unknown item", "type", ev.Type, "item", ev.ItemID)
		return ev, false
	}
	mod, hasMod := l.cfg.Modifiers[ev.ItemID]

	if ev.Type != event.StateInd && it.OwnerID == l.cfg.ID {
		l.logger.Warn("event received for item owned by this link", "type", ev.Type, "item", ev.ItemID)
		return ev, false
	}
	if ev.Type == event.StateInd && it.OwnerID != l.cfg.ID && it.OwnerID != event.ControlLinkID {
		l.logger.Warn("event received for item not owned by this link", "type", ev.Type, "item", ev.ItemID)
		return ev, false
	}
	if ev.Type == event.WriteReq && !it.Writable {
		l.logger.Warn("event received for non-writable item", "type", ev.Type, "item", ev.ItemID)
		return ev, false
	}
	if l.cfg.SuppressReadEvents && ev.Type == event.ReadReq {
		return ev, false
	}
	if ev.Type == event.ReadReq {
		return ev, true
	}

	v, ok := l.coerceInbound(ev.Value, it, mod, hasMod)
	if !ok {
		return ev, false
	}
	ev.Value = v
	return ev, true
}

// coerceInbound runs one event value through OBIS/JSON-pointer/regex
// extraction, mapping, type coercion, unit conversion and the
// modifier's linear conversion, per spec.md §4.2.
func (l *Link) coerceInbound(v value.Value, it *item.Item, mod Modifier, hasMod bool) (value.Value, bool) {
	if l.cfg.SuppressUndefined && v.Kind() == value.Undefined {
		return v, false
	}

	if v.Kind() == value.String && hasMod && mod.InOBISCode != "" {
		nv, err := extractOBIS(v.StringVal(), mod.InOBISCode)
		if err != nil {
			l.logger.Error("obis extraction failed", "item", it.ID, "error", err)
			return v, false
		}
		v = nv
	}

	if v.Kind() == value.String && hasMod && mod.InJSONPointer != "" {
		nv, err := extractJSONPointer(v.StringVal(), mod.InJSONPointer)
		if err != nil {
			l.logger.Error("json pointer extraction failed", "item", it.ID, "error", err)
			return v, false
		}
		v = nv
	}

	if v.Kind() == value.String && hasMod && mod.InPattern != nil {
		v = applyInboundPattern(v, it, mod.InPattern)
	}

	if v.Kind() == value.String && hasMod {
		v = value.NewString(mod.MapInbound(v.StringVal()))
	}

	v, ok := l.coerceInboundType(v, it)
	if !ok {
		return v, false
	}

	if !it.AcceptsKind(v.Kind()) {
		l.logger.Error("event value type incompatible with item", "item", it.ID, "type", v.Kind())
		return v, false
	}

	if v.Kind() == value.Number {
		nv, ok := l.convertInboundUnit(v, it, mod, hasMod)
		if !ok {
			return v, false
		}
		v = nv
	}

	if hasMod {
		v = mod.ConvertInbound(v)
	}
	return v, true
}

// applyInboundPattern implements spec.md §4.2's regex extraction step:
// the first capturing group wins; a match with no group yields
// BOOLEAN(true) for boolean items; no match yields BOOLEAN(false).
func applyInboundPattern(v value.Value, it *item.Item, pattern *regexp.Regexp) value.Value {
	match := pattern.FindStringSubmatch(v.StringVal())
	if match != nil {
		for i := 1; i < len(match); i++ {
			if match[i] != "" {
				return value.NewString(match[i])
			}
		}
		if len(match) > 1 {
			return value.NewString("")
		}
		if it.AcceptsKind(value.Boolean) {
			return value.NewBoolean(true)
		}
		return v
	}
	if it.AcceptsKind(value.Boolean) {
		return value.NewBoolean(false)
	}
	return v
}

// coerceInboundType converts a STRING value to whatever type the item
// actually wants, per spec.md §4.2's "as string" configuration knobs,
// and passes BOOLEAN through untouched unless the item wants VOID.
func (l *Link) coerceInboundType(v value.Value, it *item.Item) (value.Value, bool) {
	switch v.Kind() {
	case value.String:
		if it.AcceptsKind(value.String) {
			return v, true
		}
		s := v.StringVal()
		if l.cfg.NumberAsString && it.AcceptsKind(value.Number) {
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return value.NewNumber(n, unit.None), true
			}
		}
		if it.AcceptsKind(value.Boolean) {
			bas := l.cfg.BooleanAsString
			if it.Writable {
				if s == bas.FalseValue {
					return value.NewBoolean(false), true
				}
				if s == bas.TrueValue {
					return value.NewBoolean(true), true
				}
			} else {
				if s == bas.UnwritableFalseValue {
					return value.NewBoolean(false), true
				}
				if s == bas.UnwritableTrueValue {
					return value.NewBoolean(true), true
				}
			}
		}
		if it.AcceptsKind(value.TimePoint) && l.cfg.TimePointAsString.Format != "" {
			if t, err := time.Parse(l.cfg.TimePointAsString.Format, s); err == nil {
				return value.NewTimePoint(t), true
			}
		}
		if it.AcceptsKind(value.Void) {
			vas := l.cfg.VoidAsString
			if s == vas.Value || s == vas.UnwritableValue {
				return value.VoidValue(), true
			}
		}
		if it.AcceptsKind(value.Undefined) && s == l.cfg.UndefinedAsString.Value {
			return value.UndefinedValue(), true
		}
		l.logger.Error("string value not convertible to item type", "item", it.ID, "value", s)
		return v, false
	case value.Boolean:
		if !it.AcceptsKind(value.Boolean) && l.cfg.VoidAsBoolean && it.AcceptsKind(value.Void) {
			return value.VoidValue(), true
		}
		return v, true
	default:
		return v, true
	}
}

// convertInboundUnit resolves the value's source unit (falling back to
// the modifier's configured unit, then to the item's own unit) and
// converts into the item's unit.
func (l *Link) convertInboundUnit(v value.Value, it *item.Item, mod Modifier, hasMod bool) (value.Value, bool) {
	src := v.Unit()
	if src == unit.None && hasMod {
		src = mod.Unit
	}
	if src == unit.None {
		src = it.Unit
	}
	n, ok := unit.Convert(v.NumberVal(), src, it.Unit)
	if !ok {
		l.logger.Error("event value unit not convertible to item unit", "item", it.ID, "source", src.Symbol(), "target", it.Unit.Symbol())
		return v, false
	}
	return value.NewNumber(n, it.Unit), true
}

// Send runs every outbound event through the outbound mirror of the
// coercion pipeline, forwards the survivors to the handler, and queues
// whatever the handler hands back (plus any operational-health change)
// for the next Receive call, per spec.md §4.2 "Send".
func (l *Link) Send(ctx context.Context, items *item.Registry, events []event.Event) {
	out := make([]event.Event, 0, len(events))
	now := time.Now()
	for _, ev := range events {
		it, ok := items.Get(ev.ItemID)
		if !ok {
			continue
		}
		mod, hasMod := l.cfg.Modifiers[ev.ItemID]

		if ev.Type != event.StateInd && it.OwnerID != l.cfg.ID {
			continue
		}
		if ev.Type == event.StateInd && it.OwnerID == l.cfg.ID {
			continue
		}
		if l.cfg.SuppressReadEvents && ev.Type == event.ReadReq {
			continue
		}
		if ev.Type == event.ReadReq {
			out = append(out, ev)
			continue
		}

		v, ok := l.coerceOutbound(ev.Value, it, mod, hasMod, now)
		if !ok {
			continue
		}
		ev.Value = v
		out = append(out, ev)
	}

	start := time.Now()
	reply := l.handler.Send(ctx, items, out)
	if runtime := time.Since(start); l.cfg.MaxSendDuration > 0 && runtime > l.cfg.MaxSendDuration {
		l.logger.Warn("event sending took too long", "link", l.cfg.ID, "duration", runtime)
	}
	l.pendingEvents = append(reply, l.healthEvents()...)
}

// coerceOutbound mirrors coerceInbound for values heading to the
// handler: modifier conversion, unit conversion, type-changing
// stringification, then the modifier's outbound mapping.
func (l *Link) coerceOutbound(v value.Value, it *item.Item, mod Modifier, hasMod bool, now time.Time) (value.Value, bool) {
	if l.cfg.SuppressUndefined && v.Kind() == value.Undefined {
		return v, false
	}

	if hasMod {
		v = mod.ConvertOutbound(v)
	}

	if v.Kind() == value.Number {
		src := v.Unit()
		target := src
		if hasMod && mod.Unit != unit.None {
			target = mod.Unit
		}
		n, ok := unit.Convert(v.NumberVal(), src, target)
		if !ok {
			l.logger.Error("event value unit not convertible", "item", it.ID, "source", src.Symbol(), "target", target.Symbol())
			return v, false
		}
		v = value.NewNumber(n, target)
	}

	v = l.coerceOutboundType(v, it)

	if hasMod {
		mapped := mod.MapOutbound(v, now)
		if mapped.IsNull() {
			l.logger.Error("event value cannot be mapped", "item", it.ID, "value", v)
			return v, false
		}
		v = mapped
	}
	return v, true
}

func (l *Link) coerceOutboundType(v value.Value, it *item.Item) value.Value {
	switch v.Kind() {
	case value.Number:
		if l.cfg.NumberAsString {
			return value.NewString(strconv.FormatFloat(v.NumberVal(), 'g', -1, 64))
		}
	case value.Boolean:
		bas := l.cfg.BooleanAsString
		if bas.TrueValue != "" || bas.FalseValue != "" {
			if it.Writable {
				if v.BoolVal() {
					return value.NewString(bas.TrueValue)
				}
				return value.NewString(bas.FalseValue)
			}
			if v.BoolVal() {
				return value.NewString(bas.UnwritableTrueValue)
			}
			return value.NewString(bas.UnwritableFalseValue)
		}
	case value.TimePoint:
		if l.cfg.TimePointAsString.Format != "" {
			return value.NewString(v.TimeVal().Format(l.cfg.TimePointAsString.Format))
		}
	case value.Void:
		vas := l.cfg.VoidAsString
		if vas.Value != "" || vas.UnwritableValue != "" {
			if it.Writable {
				return value.NewString(vas.Value)
			}
			return value.NewString(vas.UnwritableValue)
		}
		if l.cfg.VoidAsBoolean {
			return value.NewBoolean(true)
		}
	case value.Undefined:
		if l.cfg.UndefinedAsString.Value != "" {
			return value.NewString(l.cfg.UndefinedAsString.Value)
		}
	}
	return v
}
