// Package link implements the per-handler adapter pipeline of spec.md
// §4.2: value coercion (type, unit, pattern, OBIS, JSON-pointer,
// mapping), modifier conversions, ownership enforcement, and
// operational-health reporting.
package link

import (
	"regexp"
	"time"

	"github.com/peti69/weaver/internal/unit"
)

// BooleanAsString carries the string forms used for boolean-from-string
// and boolean-to-string coercion, per spec.md §6.
type BooleanAsString struct {
	FalseValue           string
	TrueValue             string
	UnwritableFalseValue string
	UnwritableTrueValue  string
}

// TimePointAsString carries the layout used for time-point string coercion.
type TimePointAsString struct {
	Format string // Go time layout, e.g. time.RFC3339
}

// VoidAsString carries the string forms used for void coercion.
type VoidAsString struct {
	Value           string
	UnwritableValue string
}

// UndefinedAsString carries the string form used for undefined coercion.
type UndefinedAsString struct {
	Value string
}

// OutMapping is one (value-range, replacement) pair of a link's
// out_mappings list, per spec.md §4.2. The first mapping whose range
// contains the outbound value wins.
type OutMapping struct {
	HasRange   bool
	Min, Max   float64
	HasExact   bool
	Exact      string // string-form match against the pre-mapping value
	Replacement string
}

// Contains reports whether the mapping's range matches s, the string
// form of the value being mapped, and n/isNumber its numeric form when
// available.
func (m OutMapping) Contains(s string, n float64, isNumber bool) bool {
	if m.HasRange && isNumber {
		return n >= m.Min && n <= m.Max
	}
	if m.HasExact {
		return s == m.Exact
	}
	return false
}

// Modifier carries per-link-per-item value-transformation rules layered
// atop the generic coercion pipeline, per spec.md §4.2/GLOSSARY.
type Modifier struct {
	ItemID string

	Unit unit.Unit // hint used when the inbound value carries no unit of its own

	Factor  float64 // linear conversion factor, default 1
	Summand float64 // linear conversion summand, default 0

	HasRoundPrecision bool
	RoundPrecision    int

	InOBISCode    string
	InJSONPointer string
	InPattern     *regexp.Regexp
	InMappings    map[string]string

	OutMappings []OutMapping
}

// normalizedFactor returns Factor, defaulting to 1 when unset (the zero
// value of a config struct is 0, which would otherwise divide by zero).
func (m Modifier) normalizedFactor() float64 {
	if m.Factor == 0 {
		return 1
	}
	return m.Factor
}

// Config is a link's per-handler-independent policy, per spec.md §6.
type Config struct {
	ID    string
	Enabled bool

	SuppressReadEvents bool
	SuppressUndefined  bool

	OperationalItemID  string
	ErrorCounterItemID string

	MaxReceiveDuration time.Duration
	MaxSendDuration    time.Duration

	NumberAsString    bool
	BooleanAsString   BooleanAsString
	TimePointAsString TimePointAsString
	VoidAsString      VoidAsString
	VoidAsBoolean     bool
	UndefinedAsString UndefinedAsString

	Modifiers map[string]Modifier // keyed by item id
}
