package knx

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/peti69/weaver/internal/unit"
	"github.com/peti69/weaver/internal/value"
)

// DPT identifies a KNX datapoint type by its main and sub number and
// converts between the bus's 1/2/3/5-byte APDU encoding and a Value.
// Only the subset of main types seen on real installations (switching,
// dimming, scaling, lux, temperature, counters, floats) is supported;
// an unsupported type or an out-of-range value fails the conversion.
type DPT struct {
	Main int
	Sub  int
}

// ParseDPT parses "main" or "main.sub" notation.
func ParseDPT(s string) (DPT, error) {
	parts := strings.SplitN(s, ".", 2)
	main, err := strconv.Atoi(parts[0])
	if err != nil || main < 0 || main > 999 {
		return DPT{}, fmt.Errorf("invalid datapoint type %q", s)
	}
	sub := 0
	if len(parts) == 2 {
		sub, err = strconv.Atoi(parts[1])
		if err != nil || sub < 0 || sub > 999 {
			return DPT{}, fmt.Errorf("invalid datapoint type %q", s)
		}
	}
	return DPT{Main: main, Sub: sub}, nil
}

func (d DPT) String() string { return fmt.Sprintf("%d.%03d", d.Main, d.Sub) }

func numberOf(v value.Value) (float64, bool) {
	switch v.Kind() {
	case value.Number:
		return v.NumberVal(), true
	case value.Boolean:
		if v.BoolVal() {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Export encodes v into the APDU data bytes for this datapoint type.
// Reports false if v's kind or magnitude is incompatible with the type.
func (d DPT) Export(v value.Value) ([]byte, bool) {
	if v.Kind() == value.Boolean && d.Main == 1 {
		if v.BoolVal() {
			return []byte{0x01}, true
		}
		return []byte{0x00}, true
	}

	num, ok := numberOf(v)
	if !ok {
		return nil, false
	}

	switch {
	case d.Main == 5 && d.Sub == 1:
		if num < 0 || num > 100 {
			return nil, false
		}
		return []byte{0x00, byte(num * 255.0 / 100.0)}, true
	case d.Main == 5:
		if num < 0 || num > 255 {
			return nil, false
		}
		return []byte{0x00, byte(num)}, true
	case d.Main == 7:
		if num < 0 || num > 65535 {
			return nil, false
		}
		l := uint32(num)
		return []byte{0x00, byte(l >> 8), byte(l)}, true
	case d.Main == 9:
		e := 0
		for (num < -20.48 || num > 20.47) && e <= 15 {
			num /= 2.0
			e++
		}
		if num < -20.48 || num > 20.47 {
			return nil, false
		}
		m := int(num * 100.0)
		if m < 0 {
			m = -m
		}
		return []byte{0x00, byte(e<<3) | byte(m>>8&0x07), byte(m)}, true
	case d.Main == 12:
		l := uint32(num)
		return []byte{0x00, byte(l >> 24), byte(l >> 16), byte(l >> 8), byte(l)}, true
	case d.Main == 13:
		l := uint32(int32(num))
		return []byte{0x00, byte(l >> 24), byte(l >> 16), byte(l >> 8), byte(l)}, true
	case d.Main == 14:
		bits := math.Float32bits(float32(num))
		return []byte{0x00, byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}, true
	}
	return nil, false
}

// Import decodes APDU data bytes into a Value for this datapoint type.
// Reports false if the byte length doesn't match the type.
func (d DPT) Import(data []byte) (value.Value, bool) {
	switch {
	case d.Main == 1 && len(data) == 1:
		return value.NewBoolean(data[0]&0x01 == 0x01), true
	case d.Main == 5 && d.Sub == 1 && len(data) == 2:
		return value.NewNumber(float64(data[1])*100.0/255.0, unit.None), true
	case d.Main == 5 && len(data) == 2:
		return value.NewNumber(float64(data[1]), unit.None), true
	case d.Main == 7 && len(data) == 3:
		return value.NewNumber(float64(int(data[1])<<8|int(data[2])), unit.None), true
	case d.Main == 9 && len(data) == 3:
		e := uint(data[1] >> 3 & 0x0F)
		m := int(data[1]&0x07)<<8 | int(data[2])
		return value.NewNumber(float64(m<<e)/100.0, unit.None), true
	case d.Main == 12 && len(data) == 5:
		n := uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4])
		return value.NewNumber(float64(n), unit.None), true
	case d.Main == 13 && len(data) == 5:
		n := int32(uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4]))
		return value.NewNumber(float64(n), unit.None), true
	case d.Main == 14 && len(data) == 5:
		bits := uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4])
		return value.NewNumber(float64(math.Float32frombits(bits)), unit.None), true
	}
	return value.Value{}, false
}
