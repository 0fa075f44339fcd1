package value

import (
	"testing"
	"time"

	"github.com/peti69/weaver/internal/unit"
)

func TestNullIsDistinctFromUndefined(t *testing.T) {
	n := Null()
	u := UndefinedValue()
	if !n.IsNull() {
		t.Errorf("Null().IsNull() = false, want true")
	}
	if u.IsNull() {
		t.Errorf("UndefinedValue().IsNull() = true, want false")
	}
	if n.Equal(u) {
		t.Errorf("Null() should not equal UndefinedValue()")
	}
}

func TestEqualityStructural(t *testing.T) {
	a := NewNumber(20.5, unit.Celsius)
	b := NewNumber(20.5, unit.Celsius)
	c := NewNumber(20.5, unit.Fahrenheit)
	d := NewNumber(20.6, unit.Celsius)

	if !a.Equal(b) {
		t.Errorf("identical numbers should be equal")
	}
	if a.Equal(c) {
		t.Errorf("same number, different unit should not be equal (no implicit conversion)")
	}
	if a.Equal(d) {
		t.Errorf("different numbers should not be equal")
	}
}

func TestEqualityAcrossKinds(t *testing.T) {
	s := NewString("on")
	b := NewBoolean(true)
	if s.Equal(b) {
		t.Errorf("different kinds should not be equal")
	}
}

func TestVoidAndUndefinedEquality(t *testing.T) {
	if !VoidValue().Equal(VoidValue()) {
		t.Errorf("VoidValue() should equal itself")
	}
	if !UndefinedValue().Equal(UndefinedValue()) {
		t.Errorf("UndefinedValue() should equal itself")
	}
}

func TestStringFormatting(t *testing.T) {
	tp := NewTimePoint(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	if tp.String() != "2026-07-30T12:00:00Z" {
		t.Errorf("TimePoint.String() = %q", tp.String())
	}
	n := NewNumber(98.7, unit.WattHour)
	if n.String() != "98.7Wh" {
		t.Errorf("Number.String() = %q, want 98.7Wh", n.String())
	}
}
