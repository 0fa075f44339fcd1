// Package unit implements the dimensioned unit table described in
// spec.md §3: an enumerated symbol with an associated UnitType, and a
// closed conversion table between units that share a type.
package unit

import "fmt"

// Type groups units that can be converted into one another.
type Type int

const (
	TypeUnknown Type = iota
	TypePeriod
	TypeSpeed
	TypeTemperature
	TypeIlluminance
	TypeCurrent
	TypeEnergy
	TypePower
	TypeVolume
	TypeVoltage
)

// Unit is an enumerated physical unit symbol.
type Unit int

const (
	None Unit = iota // dimensionless / unset

	// Period
	Second
	Minute
	Hour

	// Speed
	MetrePerSecond
	KilometrePerHour
	MilePerHour

	// Temperature
	Celsius
	Fahrenheit
	Kelvin

	// Illuminance
	Lux
	Kilolux

	// Current
	Milliampere
	Ampere

	// Energy
	WattHour
	KilowattHour

	// Power
	Watt
	Kilowatt

	// Volume
	Litre
	CubicMetre

	// Voltage
	Millivolt
	Volt
)

var types = map[Unit]Type{
	None: TypeUnknown,

	Second: TypePeriod,
	Minute: TypePeriod,
	Hour:   TypePeriod,

	MetrePerSecond:   TypeSpeed,
	KilometrePerHour: TypeSpeed,
	MilePerHour:      TypeSpeed,

	Celsius:    TypeTemperature,
	Fahrenheit: TypeTemperature,
	Kelvin:     TypeTemperature,

	Lux:     TypeIlluminance,
	Kilolux: TypeIlluminance,

	Milliampere: TypeCurrent,
	Ampere:      TypeCurrent,

	WattHour:     TypeEnergy,
	KilowattHour: TypeEnergy,

	Watt:     TypePower,
	Kilowatt: TypePower,

	Litre:      TypeVolume,
	CubicMetre: TypeVolume,

	Millivolt: TypeVoltage,
	Volt:      TypeVoltage,
}

var symbols = map[Unit]string{
	None: "",

	Second: "s",
	Minute: "min",
	Hour:   "h",

	MetrePerSecond:   "m/s",
	KilometrePerHour: "km/h",
	MilePerHour:      "mph",

	Celsius:    "°C",
	Fahrenheit: "°F",
	Kelvin:     "K",

	Lux:     "lx",
	Kilolux: "klx",

	Milliampere: "mA",
	Ampere:      "A",

	WattHour:     "Wh",
	KilowattHour: "kWh",

	Watt:     "W",
	Kilowatt: "kW",

	Litre:      "l",
	CubicMetre: "m³",

	Millivolt: "mV",
	Volt:      "V",
}

var byName = map[string]Unit{
	"":     None,
	"s":    Second,
	"min":  Minute,
	"h":    Hour,
	"m/s":  MetrePerSecond,
	"km/h": KilometrePerHour,
	"mph":  MilePerHour,
	"degC": Celsius,
	"degF": Fahrenheit,
	"K":    Kelvin,
	"lx":   Lux,
	"klx":  Kilolux,
	"mA":   Milliampere,
	"A":    Ampere,
	"Wh":   WattHour,
	"kWh":  KilowattHour,
	"W":    Watt,
	"kW":   Kilowatt,
	"l":    Litre,
	"m3":   CubicMetre,
	"mV":   Millivolt,
	"V":    Volt,
}

// Type returns the dimension this unit belongs to.
func (u Unit) Type() Type { return types[u] }

// Symbol returns the short textual symbol used in formatting and
// configuration ("kWh", "°C", ...).
func (u Unit) Symbol() string { return symbols[u] }

// ParseUnit maps a configuration string to a Unit.
func ParseUnit(s string) (Unit, error) {
	u, ok := byName[s]
	if !ok {
		return None, fmt.Errorf("unknown unit %q", s)
	}
	return u, nil
}

// linear converters: n_target = n_source*factor + offset, applied after
// converting to a common base within the type.
type affine struct {
	factor float64
	offset float64
}

// toBase converts a value in u to the type's base unit.
var toBase = map[Unit]affine{
	Second: {1, 0},
	Minute: {60, 0},
	Hour:   {3600, 0},

	MetrePerSecond:   {1, 0},
	KilometrePerHour: {1.0 / 3.6, 0},
	MilePerHour:      {0.44704, 0},

	Celsius:    {1, 0},
	Fahrenheit: {5.0 / 9.0, -32 * 5.0 / 9.0},
	Kelvin:     {1, -273.15},

	Lux:     {1, 0},
	Kilolux: {1000, 0},

	Milliampere: {0.001, 0},
	Ampere:      {1, 0},

	WattHour:     {1, 0},
	KilowattHour: {1000, 0},

	Watt:     {1, 0},
	Kilowatt: {1000, 0},

	Litre:      {0.001, 0},
	CubicMetre: {1, 0},

	Millivolt: {0.001, 0},
	Volt:      {1, 0},
}

// Convert converts n from unit u to unit target. Conversion succeeds
// iff u and target share a non-unknown Type (the "closed rational/
// affine table" of spec.md §3).
func Convert(n float64, u, target Unit) (float64, bool) {
	if u == target {
		return n, true
	}
	ut, tt := u.Type(), target.Type()
	if ut == TypeUnknown || ut != tt {
		return 0, false
	}
	srcFactor, ok1 := toBase[u]
	dstFactor, ok2 := toBase[target]
	if !ok1 || !ok2 {
		return 0, false
	}
	base := n*srcFactor.factor + srcFactor.offset
	return base/dstFactor.factor - dstFactor.offset/dstFactor.factor, true
}
