package item

import (
	"math/rand"
	"testing"
	"time"

	"github.com/peti69/weaver/internal/unit"
	"github.com/peti69/weaver/internal/value"
)

func TestSendOnChangeSuppression(t *testing.T) {
	it := New("T", "link1", []value.Kind{value.Number}, time.Now())
	it.Unit = unit.Celsius
	it.SendOnChange = SendOnChange{Active: true, AbsVariation: 0.5}
	it.SetLastValue(value.NewNumber(20.0, unit.Celsius))

	if it.IsSendOnChangeRequired(value.NewNumber(20.3, unit.Celsius)) {
		t.Errorf("20.3 within 0.5 of 20.0 should be suppressed")
	}
	if !it.IsSendOnChangeRequired(value.NewNumber(20.6, unit.Celsius)) {
		t.Errorf("20.6 outside 0.5 of 20.0 should be forwarded")
	}
}

func TestSendOnChangeInactiveAlwaysRequired(t *testing.T) {
	it := New("T", "link1", []value.Kind{value.Number}, time.Now())
	it.SetLastValue(value.NewNumber(1, unit.None))
	if !it.IsSendOnChangeRequired(value.NewNumber(1, unit.None)) {
		t.Errorf("inactive send_on_change must always require sending, even for an identical value")
	}
}

func TestSendOnChangeTypeChangeAlwaysRequired(t *testing.T) {
	it := New("T", "link1", []value.Kind{value.Number, value.String}, time.Now())
	it.SendOnChange = SendOnChange{Active: true}
	it.SetLastValue(value.NewNumber(1, unit.None))
	if !it.IsSendOnChangeRequired(value.NewString("on")) {
		t.Errorf("type change must always require sending")
	}
}

func TestSendOnTimerRequired(t *testing.T) {
	now := time.Now()
	it := New("T", "link1", []value.Kind{value.Number}, now)
	it.SendOnTimer = SendOnTimer{Active: true, Interval: time.Minute}

	if it.IsSendOnTimerRequired(now) {
		t.Errorf("timer should not fire before last_value is set")
	}
	it.RecordStateInd(value.NewNumber(1, unit.None), now)
	if it.IsSendOnTimerRequired(now.Add(30 * time.Second)) {
		t.Errorf("timer should not fire before interval elapses")
	}
	if !it.IsSendOnTimerRequired(now.Add(time.Minute)) {
		t.Errorf("timer should fire once interval elapses")
	}
}

func TestPollingPhaseDesync(t *testing.T) {
	now := time.Now()
	it := New("T", "link1", []value.Kind{value.Number}, now)
	it.PollingInterval = 10 * time.Second
	rng := rand.New(rand.NewSource(1))
	it.SeedPollingPhase(now, rng)

	offset := now.Sub(it.lastPollingTime)
	if offset < 0 || offset >= it.PollingInterval {
		t.Errorf("initial polling offset %v not within [0, %v)", offset, it.PollingInterval)
	}
}

func TestIsPollingRequired(t *testing.T) {
	now := time.Now()
	it := New("T", "link1", []value.Kind{value.Number}, now)
	it.PollingInterval = time.Second
	it.lastPollingTime = now

	if it.IsPollingRequired(now.Add(500 * time.Millisecond)) {
		t.Errorf("should not require polling before interval elapses")
	}
	if !it.IsPollingRequired(now.Add(time.Second)) {
		t.Errorf("should require polling once interval elapses")
	}
	it.PollingDone(now.Add(time.Second))
	if it.IsPollingRequired(now.Add(time.Second)) {
		t.Errorf("polling_done should reset the clock")
	}
}

func TestHistoryRetentionAndMinMax(t *testing.T) {
	now := time.Now()
	it := New("T", "link1", []value.Kind{value.Number}, now)
	it.Unit = unit.Watt
	it.HistoryPeriod = time.Minute

	it.RecordStateInd(value.NewNumber(10, unit.Watt), now.Add(-2*time.Minute)) // dropped
	it.RecordStateInd(value.NewNumber(5, unit.Watt), now.Add(-30*time.Second))
	it.RecordStateInd(value.NewNumber(20, unit.Watt), now)

	hist := it.History()
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2 (old sample should be pruned)", len(hist))
	}

	min := it.CalcMinFromHistory(now.Add(-time.Minute))
	if min.NumberVal() != 5 {
		t.Errorf("CalcMinFromHistory = %v, want 5", min.NumberVal())
	}
	max := it.CalcMaxFromHistory(now.Add(-time.Minute))
	if max.NumberVal() != 20 {
		t.Errorf("CalcMaxFromHistory = %v, want 20", max.NumberVal())
	}
}

func TestCalcFromHistoryUndefinedWhenNotNumber(t *testing.T) {
	it := New("T", "link1", []value.Kind{value.String}, time.Now())
	it.SetLastValue(value.NewString("x"))
	if it.CalcMinFromHistory(time.Time{}).Kind() != value.Undefined {
		t.Errorf("expected Undefined when last_value is not a number")
	}
}

func TestHasSuspectPollingWarnsButDoesNotFailValidate(t *testing.T) {
	it := New("T", "link1", []value.Kind{value.Number}, time.Now())
	it.PollingInterval = time.Second
	it.Readable = false
	if !it.HasSuspectPolling() {
		t.Errorf("expected HasSuspectPolling to flag polling on an unreadable item")
	}
	if err := it.Validate(); err != nil {
		t.Errorf("polling_interval > 0 on an unreadable item must only warn, not fail Validate: %v", err)
	}
}
