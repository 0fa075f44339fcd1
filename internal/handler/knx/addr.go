package knx

import (
	"fmt"
	"strconv"
	"strings"
)

// GroupAddr is a 16-bit KNX group address in 3-level (main/middle/sub)
// notation. The zero value is the null address used by bindings that
// only wire a state or write group, never both.
type GroupAddr struct {
	valid bool
	value uint16
}

// NewGroupAddr builds a group address from its three components.
func NewGroupAddr(main, middle, sub int) GroupAddr {
	return GroupAddr{valid: true, value: uint16(main)<<11 | uint16(middle)<<8 | uint16(sub)}
}

func groupAddrFromBytes(hi, lo byte) GroupAddr {
	return GroupAddr{valid: true, value: uint16(hi)<<8 | uint16(lo)}
}

// ParseGroupAddr parses "main/middle/sub" notation.
func ParseGroupAddr(s string) (GroupAddr, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return GroupAddr{}, fmt.Errorf("invalid group address %q", s)
	}
	main, err := strconv.Atoi(parts[0])
	if err != nil || main < 0 || main > 31 {
		return GroupAddr{}, fmt.Errorf("invalid group address %q", s)
	}
	middle, err := strconv.Atoi(parts[1])
	if err != nil || middle < 0 || middle > 7 {
		return GroupAddr{}, fmt.Errorf("invalid group address %q", s)
	}
	sub, err := strconv.Atoi(parts[2])
	if err != nil || sub < 0 || sub > 255 {
		return GroupAddr{}, fmt.Errorf("invalid group address %q", s)
	}
	return NewGroupAddr(main, middle, sub), nil
}

// IsNull reports whether this is the unset group address.
func (g GroupAddr) IsNull() bool { return !g.valid }

func (g GroupAddr) High() byte { return byte(g.value >> 8) }
func (g GroupAddr) Low() byte  { return byte(g.value) }

// Equal follows the original handler's null-aware comparison: two null
// addresses are equal, a null and a non-null address never are.
func (g GroupAddr) Equal(o GroupAddr) bool {
	if g.valid != o.valid {
		return false
	}
	if !g.valid {
		return true
	}
	return g.value == o.value
}

func (g GroupAddr) String() string {
	if !g.valid {
		return "null"
	}
	return fmt.Sprintf("%d/%d/%d", g.value>>11, (g.value>>8)&0x07, g.value&0xFF)
}

// PhysicalAddr is a 16-bit KNX individual address in area.line.device
// notation, used as this handler's own source address on the bus.
type PhysicalAddr struct {
	value uint16
}

func NewPhysicalAddr(area, line, device int) PhysicalAddr {
	return PhysicalAddr{uint16(area)<<12 | uint16(line)<<8 | uint16(device)}
}

func ParsePhysicalAddr(s string) (PhysicalAddr, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return PhysicalAddr{}, fmt.Errorf("invalid physical address %q", s)
	}
	area, err := strconv.Atoi(parts[0])
	if err != nil || area < 0 || area > 15 {
		return PhysicalAddr{}, fmt.Errorf("invalid physical address %q", s)
	}
	line, err := strconv.Atoi(parts[1])
	if err != nil || line < 0 || line > 15 {
		return PhysicalAddr{}, fmt.Errorf("invalid physical address %q", s)
	}
	device, err := strconv.Atoi(parts[2])
	if err != nil || device < 0 || device > 255 {
		return PhysicalAddr{}, fmt.Errorf("invalid physical address %q", s)
	}
	return NewPhysicalAddr(area, line, device), nil
}

func (p PhysicalAddr) High() byte { return byte(p.value >> 8) }
func (p PhysicalAddr) Low() byte  { return byte(p.value) }

func (p PhysicalAddr) String() string {
	return fmt.Sprintf("%d.%d.%d", p.value>>12, p.value>>8&0x0F, p.value&0xFF)
}
