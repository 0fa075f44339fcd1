// Package item implements the typed state cell described in spec.md
// §3/§4.1: admissible value types, ownership, send-suppression gates,
// a bounded numeric history, and the polling clock.
package item

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/unit"
	"github.com/peti69/weaver/internal/value"
)

// SendOnTimer describes the timer-driven re-announcement gate.
type SendOnTimer struct {
	Active   bool
	Interval time.Duration
}

// SendOnChange describes the change-driven announcement gate.
type SendOnChange struct {
	Active       bool
	AbsVariation float64
	RelVariation float64
	Minimum      float64
	Maximum      float64
}

// Sample is a single timestamped numeric history entry.
type Sample struct {
	Time time.Time
	N    float64
}

// Item is a named, typed, persistent state cell with ownership and
// policy, per spec.md §3.
type Item struct {
	ID         string
	OwnerID    string
	ValueTypes []value.Kind
	Unit       unit.Unit

	Readable   bool
	Writable   bool
	Responsive bool

	PollingInterval time.Duration
	SendOnTimer     SendOnTimer
	SendOnChange    SendOnChange
	HistoryPeriod   time.Duration

	lastValue       value.Value
	lastSendValue   value.Value
	lastSendTime    time.Time
	lastPollingTime time.Time
	history         []Sample
}

// New constructs an Item with last_value/last_send_value set to Null.
// It does not set the polling phase; SeedPollingPhase desynchronises it
// per spec.md §4.1 ("Initial phase") once the polling interval is known.
func New(id, ownerID string, valueTypes []value.Kind, now time.Time) *Item {
	it := &Item{
		ID:            id,
		OwnerID:       ownerID,
		ValueTypes:    valueTypes,
		lastValue:     value.Null(),
		lastSendValue: value.Null(),
	}
	return it
}

// SeedPollingPhase sets the initial last_polling_time offset. Call once
// after PollingInterval is known (typically right after New, or after
// config-driven mutation during Validate). rng defaults to the package
// global source when nil, but callers should pass a seeded *rand.Rand
// in tests to make the offset deterministic.
func (it *Item) SeedPollingPhase(now time.Time, rng *rand.Rand) {
	if it.PollingInterval <= 0 {
		it.lastPollingTime = now
		return
	}
	var offset time.Duration
	if rng != nil {
		offset = time.Duration(rng.Int63n(int64(it.PollingInterval)))
	} else {
		offset = time.Duration(rand.Int63n(int64(it.PollingInterval)))
	}
	it.lastPollingTime = now.Add(-offset)
}

// AcceptsKind reports whether k is in the item's admissible value types.
func (it *Item) AcceptsKind(k value.Kind) bool {
	for _, vt := range it.ValueTypes {
		if vt == k {
			return true
		}
	}
	return false
}

// LastValue returns the item's current state.
func (it *Item) LastValue() value.Value { return it.lastValue }

// LastSendValue returns the last value accepted as a STATE_IND.
func (it *Item) LastSendValue() value.Value { return it.lastSendValue }

// LastSendTime returns when LastSendValue was recorded.
func (it *Item) LastSendTime() time.Time { return it.lastSendTime }

// SetLastValue updates the item's observed state without going through
// the send-suppression accounting (used by handler validate/bootstrap
// paths; the engine uses RecordStateInd on the dispatch path instead).
func (it *Item) SetLastValue(v value.Value) { it.lastValue = v }

// RecordStateInd updates last_send_value/last_send_time and appends to
// history for an accepted STATE_IND, per spec.md §4.3 step 5 ("If E is
// STATE_IND, update last_send_value ... and append to history").
func (it *Item) RecordStateInd(v value.Value, now time.Time) {
	it.lastValue = v
	it.lastSendValue = v
	it.lastSendTime = now
	if v.Kind() == value.Number {
		it.appendHistory(now, v.NumberVal())
	}
}

// TouchSendTime records that last_send_value was re-announced at now
// without actually changing (the send-on-timer re-emission path of
// spec.md §4.3, which does not touch history).
func (it *Item) TouchSendTime(now time.Time) { it.lastSendTime = now }

// appendHistory appends a sample and drops entries older than
// now-HistoryPeriod, per spec.md §4.1 "History".
func (it *Item) appendHistory(now time.Time, n float64) {
	it.history = append(it.history, Sample{Time: now, N: n})
	if it.HistoryPeriod <= 0 {
		return
	}
	cutoff := now.Add(-it.HistoryPeriod)
	i := 0
	for ; i < len(it.history); i++ {
		if !it.history[i].Time.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		it.history = append([]Sample(nil), it.history[i:]...)
	}
}

// History returns a copy of the retained samples, sorted by time.
func (it *Item) History() []Sample {
	out := make([]Sample, len(it.history))
	copy(out, it.history)
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// IsSendOnChangeRequired implements spec.md §4.1's first gate: true iff
// send_on_change is inactive, or the new value differs from last_value
// and at least one disqualifying condition holds.
func (it *Item) IsSendOnChangeRequired(newValue value.Value) bool {
	if !it.SendOnChange.Active {
		return true
	}
	if it.lastValue.Equal(newValue) {
		return false
	}
	if it.lastValue.Kind() != newValue.Kind() {
		return true
	}
	if newValue.Kind() != value.Number {
		return true
	}
	n := newValue.NumberVal()
	// Minimum==Maximum==0 is the "unset" sentinel: a configured range
	// always has Maximum > Minimum, so a zero/zero pair never disqualifies.
	if it.SendOnChange.Maximum != it.SendOnChange.Minimum {
		if n < it.SendOnChange.Minimum || n > it.SendOnChange.Maximum {
			return true
		}
	}
	old := it.lastValue.NumberVal()
	lower := old*(1-it.SendOnChange.RelVariation/100) - it.SendOnChange.AbsVariation
	upper := old*(1+it.SendOnChange.RelVariation/100) + it.SendOnChange.AbsVariation
	return n < lower || n > upper
}

// IsSendOnTimerRequired implements spec.md §4.1's timer gate.
func (it *Item) IsSendOnTimerRequired(now time.Time) bool {
	if !it.SendOnTimer.Active {
		return false
	}
	if it.lastValue.IsNull() {
		return false
	}
	return !it.lastSendTime.Add(it.SendOnTimer.Interval).After(now)
}

// IsPollingRequired implements spec.md §4.1's polling gate.
func (it *Item) IsPollingRequired(now time.Time) bool {
	if it.PollingInterval <= 0 {
		return false
	}
	return !it.lastPollingTime.Add(it.PollingInterval).After(now)
}

// PollingDone records that a poll was just issued.
func (it *Item) PollingDone(now time.Time) {
	it.lastPollingTime = now
}

// CalcMinFromHistory scans history entries with t >= start, starting
// from last_value.n, per spec.md §4.1. Returns Undefined if last_value
// is not a number.
func (it *Item) CalcMinFromHistory(start time.Time) value.Value {
	return it.calcFromHistory(start, func(a, b float64) bool { return b < a })
}

// CalcMaxFromHistory is the maximum counterpart of CalcMinFromHistory.
func (it *Item) CalcMaxFromHistory(start time.Time) value.Value {
	return it.calcFromHistory(start, func(a, b float64) bool { return b > a })
}

func (it *Item) calcFromHistory(start time.Time, better func(current, candidate float64) bool) value.Value {
	if it.lastValue.Kind() != value.Number {
		return value.UndefinedValue()
	}
	best := it.lastValue.NumberVal()
	for _, s := range it.history {
		if s.Time.Before(start) {
			continue
		}
		if better(best, s.N) {
			best = s.N
		}
	}
	return value.NewNumber(best, it.Unit)
}

// Validate checks the static invariants from spec.md §3 that do not
// depend on the rest of the item registry (ownership existence is
// checked by Registry.Validate).
func (it *Item) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("item has empty id")
	}
	if len(it.ValueTypes) == 0 {
		return fmt.Errorf("item %s: value_types must be non-empty", it.ID)
	}
	if !it.lastValue.IsNull() && !it.AcceptsKind(it.lastValue.Kind()) {
		return fmt.Errorf("item %s: last_value type %s not in value_types", it.ID, it.lastValue.Kind())
	}
	return nil
}

// HasSuspectPolling reports the one invariant spec.md enforces softly:
// polling a write-only item can never observe a result. Callers log
// this as a warning rather than failing Validate.
func (it *Item) HasSuspectPolling() bool {
	return it.PollingInterval > 0 && !it.Readable
}

// NewStateIndFromLastSend synthesises a controlLinkId STATE_IND
// carrying the item's last known send value. Used by the engine's
// READ→STATE short-circuit (spec.md §4.3).
func (it *Item) NewStateIndFromLastSend() event.Event {
	return event.NewStateInd(event.ControlLinkID, it.ID, it.lastSendValue)
}
