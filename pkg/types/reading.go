package types

import "fmt"

// ReadingKind identifies one battery parameter read from the vehicle.
type ReadingKind int

const (
	StateOfCharge ReadingKind = iota + 1
	BatteryTemperature
	BatteryVoltage
	TotalCharges
	TotalKwhCharged
	TotalKwhDischarged
)

// ReadingKinds is the order in which a cycle reads parameters.
var ReadingKinds = []ReadingKind{
	StateOfCharge,
	BatteryTemperature,
	BatteryVoltage,
	TotalCharges,
	TotalKwhCharged,
	TotalKwhDischarged,
}

// String returns the short name used in logs, metrics and error text.
func (k ReadingKind) String() string {
	switch k {
	case StateOfCharge:
		return "soc"
	case BatteryTemperature:
		return "temp"
	case BatteryVoltage:
		return "voltage"
	case TotalCharges:
		return "total_charges"
	case TotalKwhCharged:
		return "kwh_charged"
	case TotalKwhDischarged:
		return "kwh_discharged"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Decimals is the number of fixed decimals used when a reading of this kind
// is published as text.
func (k ReadingKind) Decimals() int {
	switch k {
	case BatteryTemperature:
		return 1
	case TotalCharges:
		return 0
	default:
		return 2
	}
}

// Reading is one scalar telemetry value. It is never modified after the
// acquisition machine produces it.
type Reading struct {
	Kind  ReadingKind `json:"kind"`
	Value float64     `json:"value"`
	Valid bool        `json:"valid"`
}

// Format renders the value as fixed-decimal text.
func (r Reading) Format() string {
	return fmt.Sprintf("%.*f", r.Kind.Decimals(), r.Value)
}

// ReadingSet holds one cycle's readings in read order. Valid is true only if
// every member was read successfully.
type ReadingSet struct {
	Readings []Reading `json:"readings"`
	Valid    bool      `json:"valid"`
}

// NewReadingSet returns a set with one invalid placeholder per kind.
func NewReadingSet(kinds []ReadingKind) ReadingSet {
	rs := ReadingSet{Readings: make([]Reading, len(kinds))}
	for i, k := range kinds {
		rs.Readings[i] = Reading{Kind: k}
	}
	return rs
}

// Set records a successful reading for kind and recomputes Valid.
func (rs *ReadingSet) Set(kind ReadingKind, value float64) {
	for i := range rs.Readings {
		if rs.Readings[i].Kind == kind {
			rs.Readings[i] = Reading{Kind: kind, Value: value, Valid: true}
		}
	}
	rs.Valid = len(rs.Readings) > 0
	for _, r := range rs.Readings {
		if !r.Valid {
			rs.Valid = false
			break
		}
	}
}

// Get returns the reading for kind, if present.
func (rs ReadingSet) Get(kind ReadingKind) (Reading, bool) {
	for _, r := range rs.Readings {
		if r.Kind == kind {
			return r, true
		}
	}
	return Reading{}, false
}

// Clone returns a copy that shares no memory with rs.
func (rs ReadingSet) Clone() ReadingSet {
	out := ReadingSet{Valid: rs.Valid}
	if rs.Readings != nil {
		out.Readings = append([]Reading(nil), rs.Readings...)
	}
	return out
}
