// Package value implements the tagged-union Value type shared by every
// item and event in the bus: exactly one of its arms is inhabited at a
// time (undefined, void, string, boolean, number+unit, or time point).
package value

import (
	"fmt"
	"time"

	"github.com/peti69/weaver/internal/unit"
)

// Kind identifies which arm of a Value is inhabited.
type Kind int

const (
	// Undefined marks a value that could not be produced (e.g. a failed
	// coercion or extraction). Distinct from Null: Undefined is an
	// observed-but-meaningless reading, Null is "never observed".
	Undefined Kind = iota
	Void
	String
	Boolean
	Number
	TimePoint
)

// String returns the lower-case wire name of the kind, matching the
// names used in item type configuration ("string", "boolean", ...).
func (k Kind) String() string {
	switch k {
	case Undefined:
		return "undefined"
	case Void:
		return "void"
	case String:
		return "string"
	case Boolean:
		return "boolean"
	case Number:
		return "number"
	case TimePoint:
		return "timePoint"
	default:
		return "unknown"
	}
}

// ParseKind maps a config-file type name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "undefined":
		return Undefined, nil
	case "void":
		return Void, nil
	case "string":
		return String, nil
	case "boolean":
		return Boolean, nil
	case "number":
		return Number, nil
	case "timePoint":
		return TimePoint, nil
	default:
		return Undefined, fmt.Errorf("unknown value type %q", s)
	}
}

// Value is an immutable tagged union. The zero Value has Kind Undefined
// and is not Null; only Null() builds a Null value, which is distinct
// from Undefined and observable via IsNull.
type Value struct {
	kind   Kind
	isNull bool
	s      string
	b      bool
	n      float64
	u      unit.Unit
	t      time.Time
}

// Null returns the distinguished "never observed" value.
func Null() Value { return Value{isNull: true} }

// UndefinedValue returns an observed-but-meaningless value.
func UndefinedValue() Value { return Value{kind: Undefined} }

// VoidValue returns the void value carried by READ_REQ events.
func VoidValue() Value { return Value{kind: Void} }

// NewString returns a STRING value.
func NewString(s string) Value { return Value{kind: String, s: s} }

// NewBoolean returns a BOOLEAN value.
func NewBoolean(b bool) Value { return Value{kind: Boolean, b: b} }

// NewNumber returns a NUMBER value carrying n in unit u.
func NewNumber(n float64, u unit.Unit) Value { return Value{kind: Number, n: n, u: u} }

// NewTimePoint returns a TIME_POINT value.
func NewTimePoint(t time.Time) Value { return Value{kind: TimePoint, t: t} }

// Kind returns the inhabited arm. Meaningless when IsNull is true.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether this is the distinguished uninitialised state.
func (v Value) IsNull() bool { return v.isNull }

// StringVal returns the payload of a STRING value; "" otherwise.
func (v Value) StringVal() string { return v.s }

// BoolVal returns the payload of a BOOLEAN value; false otherwise.
func (v Value) BoolVal() bool { return v.b }

// NumberVal returns the numeric payload of a NUMBER value; 0 otherwise.
func (v Value) NumberVal() float64 { return v.n }

// Unit returns the unit of a NUMBER value; unit.None otherwise.
func (v Value) Unit() unit.Unit { return v.u }

// TimeVal returns the payload of a TIME_POINT value; the zero time otherwise.
func (v Value) TimeVal() time.Time { return v.t }

// Equal reports structural equality: same tag (and null-ness) and all
// payload fields equal. Two Number values in different but convertible
// units are NOT equal — equality does not perform unit conversion.
func (v Value) Equal(o Value) bool {
	if v.isNull != o.isNull {
		return false
	}
	if v.isNull {
		return true
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case String:
		return v.s == o.s
	case Boolean:
		return v.b == o.b
	case Number:
		return v.n == o.n && v.u == o.u
	case TimePoint:
		return v.t.Equal(o.t)
	default:
		return true // Undefined, Void carry no payload
	}
}

// String renders a Value for logging and for outbound string coercion.
func (v Value) String() string {
	if v.isNull {
		return "<null>"
	}
	switch v.kind {
	case Undefined:
		return "<undefined>"
	case Void:
		return "<void>"
	case String:
		return v.s
	case Boolean:
		if v.b {
			return "true"
		}
		return "false"
	case Number:
		if v.u == unit.None {
			return fmt.Sprintf("%g", v.n)
		}
		return fmt.Sprintf("%g%s", v.n, v.u.Symbol())
	case TimePoint:
		return v.t.Format(time.RFC3339)
	default:
		return "<unknown>"
	}
}
