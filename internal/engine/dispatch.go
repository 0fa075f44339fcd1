package engine

import (
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/item"
)

// dispatch implements spec.md §4.3's "analyze received events" and
// "analyze items" passes: it suppresses redundant STATE_INDs,
// short-circuits READ_REQ into a cached STATE_IND where the item is
// unreadable/polled/change-driven, echoes an immediate READ_REQ after
// a non-responsive WRITE_REQ, and generates send-on-timer/polling
// events for every item whose clock has elapsed.
func (e *Engine) dispatch(events []event.Event, now time.Time) (dispatched, suppressed, generated []event.Event) {
	for _, ev := range events {
		it, ok := e.items.Get(ev.ItemID)
		if !ok {
			e.warnf("event for unknown item", ev)
			continue
		}

		switch ev.Type {
		case event.StateInd:
			if !it.IsSendOnChangeRequired(ev.Value) {
				suppressed = append(suppressed, ev)
				continue
			}
			it.RecordStateInd(ev.Value, now)

		case event.ReadReq:
			if !it.Readable || it.PollingInterval > 0 || it.SendOnChange.Active {
				suppressed = append(suppressed, ev)
				if last := it.LastSendValue(); !last.IsNull() {
					generated = append(generated, it.NewStateIndFromLastSend())
				} else if e.log != nil {
					e.log.Warn("STATE_IND for READ_REQ cannot be generated, value unknown", "item", it.ID)
				}
				continue
			}

		case event.WriteReq:
			if it.Readable && !it.Responsive {
				generated = append(generated, event.NewReadReq(event.ControlLinkID, it.ID))
			}
		}

		dispatched = append(dispatched, ev)
	}

	for _, it := range e.items.All() {
		if it.OwnerID != event.ControlLinkID && !e.ownerEnabled(it) {
			continue
		}
		if it.IsSendOnTimerRequired(now) {
			generated = append(generated, event.NewStateInd(event.ControlLinkID, it.ID, it.LastSendValue()))
			it.TouchSendTime(now)
		}
		if it.IsPollingRequired(now) {
			generated = append(generated, event.NewReadReq(event.ControlLinkID, it.ID))
			it.PollingDone(now)
		}
	}
	return dispatched, suppressed, generated
}

func (e *Engine) ownerEnabled(it *item.Item) bool {
	for _, l := range e.links {
		if l.ID() == it.OwnerID {
			return l.Enabled()
		}
	}
	return true
}

func (e *Engine) warnf(msg string, ev event.Event) {
	if e.log != nil {
		e.log.Warn(msg, "event", ev.String())
	}
}
