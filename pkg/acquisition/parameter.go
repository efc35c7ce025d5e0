package acquisition

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/raterudder/batteryrelay/pkg/types"
)

// Parameter describes how one reading is queried and decoded.
type Parameter struct {
	Kind types.ReadingKind
	// Command is the mode 22 query, e.g. "221FFC".
	Command string
	// Width is the number of data bytes, 1 or 2.
	Width int
	// Divisor scales the raw value when non-zero.
	Divisor float64
	// Offset is added after scaling.
	Offset float64
}

// DefaultParameters is the battery parameter table, in read order.
func DefaultParameters() []Parameter {
	return []Parameter{
		{Kind: types.StateOfCharge, Command: "221FFC", Width: 2, Divisor: 100},
		{Kind: types.BatteryTemperature, Command: "220032", Width: 1, Offset: -40},
		{Kind: types.BatteryVoltage, Command: "220008", Width: 2},
		{Kind: types.TotalCharges, Command: "22000B", Width: 2},
		{Kind: types.TotalKwhCharged, Command: "220011", Width: 2},
		{Kind: types.TotalKwhDischarged, Command: "220012", Width: 2},
	}
}

// Decode extracts the value from a compacted adapter payload such as
// "7EF05621FFC1E23". The data bytes follow the positive response marker,
// which is 0x62 and the echoed identifier.
func (p Parameter) Decode(payload []byte, order binary.ByteOrder) (float64, error) {
	if len(p.Command) < 4 {
		return 0, fmt.Errorf("invalid command %q", p.Command)
	}
	text := string(payload)
	marker := "62" + p.Command[2:]
	i := strings.Index(text, marker)
	if i < 0 {
		if j := strings.Index(text, "7F"+p.Command[:2]); j >= 0 && len(text) >= j+6 {
			return 0, fmt.Errorf("negative response code %s", text[j+4:j+6])
		}
		return 0, fmt.Errorf("no response to %s in %q", p.Command, text)
	}
	data := text[i+len(marker):]
	if len(data) < 2*p.Width {
		return 0, fmt.Errorf("short response to %s: %q", p.Command, text)
	}
	raw, err := hex.DecodeString(data[:2*p.Width])
	if err != nil {
		return 0, fmt.Errorf("malformed response to %s: %w", p.Command, err)
	}

	var v uint16
	switch p.Width {
	case 1:
		v = uint16(raw[0])
	case 2:
		if order == nil {
			order = binary.BigEndian
		}
		v = order.Uint16(raw)
	default:
		return 0, fmt.Errorf("unsupported width %d", p.Width)
	}

	value := float64(v)
	if p.Divisor != 0 {
		value /= p.Divisor
	}
	return value + p.Offset, nil
}
