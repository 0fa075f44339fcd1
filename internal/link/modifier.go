package link

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/peti69/weaver/internal/value"
)

// MapInbound looks up s in the modifier's inbound mapping table,
// returning it unchanged when there is no entry.
func (m Modifier) MapInbound(s string) string {
	if mapped, ok := m.InMappings[s]; ok {
		return mapped
	}
	return s
}

const (
	timeTag  = "%Time%"
	valueTag = "%EventValue%"
)

// MapOutbound scans OutMappings in order for the first range or exact
// match against v and returns its replacement, substituting %Time% and
// %EventValue% tokens. Returns v unchanged when no mapping matches.
func (m Modifier) MapOutbound(v value.Value, now time.Time) value.Value {
	s, isNumber, n := "", false, 0.0
	switch v.Kind() {
	case value.String:
		s = v.StringVal()
	case value.Number:
		isNumber = true
		n = v.NumberVal()
		s = strconv.FormatFloat(n, 'f', -1, 64)
	}
	for _, om := range m.OutMappings {
		if !om.Contains(s, n, isNumber) {
			continue
		}
		replacement := om.Replacement
		if strings.Contains(replacement, timeTag) {
			replacement = strings.ReplaceAll(replacement, timeTag, strconv.FormatInt(now.Unix(), 10))
		}
		if strings.Contains(replacement, valueTag) {
			switch v.Kind() {
			case value.String:
				replacement = strings.ReplaceAll(replacement, valueTag, v.StringVal())
			case value.Number:
				replacement = strings.ReplaceAll(replacement, valueTag, strconv.FormatFloat(n, 'f', -1, 64))
			default:
				return value.Null()
			}
		}
		return value.NewString(replacement)
	}
	return v
}

// ConvertInbound applies the modifier's linear conversion, (v+summand)*
// factor, to number values received from the handler.
func (m Modifier) ConvertInbound(v value.Value) value.Value {
	if v.Kind() != value.Number {
		return v
	}
	n := (v.NumberVal() + m.Summand) * m.normalizedFactor()
	if m.HasRoundPrecision {
		n = round(n, m.RoundPrecision)
	}
	return value.NewNumber(n, v.Unit())
}

// ConvertOutbound applies the modifier's linear conversion, (v/factor)-
// summand, to number values being sent to the handler.
func (m Modifier) ConvertOutbound(v value.Value) value.Value {
	if v.Kind() != value.Number {
		return v
	}
	n := v.NumberVal()/m.normalizedFactor() - m.Summand
	if m.HasRoundPrecision {
		n = round(n, m.RoundPrecision)
	}
	return value.NewNumber(n, v.Unit())
}

func round(n float64, precision int) float64 {
	scale := math.Pow(10, float64(precision))
	return math.Round(n*scale) / scale
}
