package obd

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
	"tinygo.org/x/bluetooth"
)

// Configured sets up the diagnostic link based on flags.
func Configured() Link {
	transport := lflag.String("obd-transport", "ble", "Transport to the diagnostic adapter (available: ble, serial, sim)")
	baud := lflag.Int("obd-serial-baud", 38400, "Baud rate when obd-transport is serial")

	var p struct{ Link }

	lflag.Do(func() {
		switch *transport {
		case "ble":
			p.Link = NewELM327(BLEOpener(bluetooth.DefaultAdapter))
		case "serial":
			if *baud <= 0 {
				panic(fmt.Sprintf("invalid obd-serial-baud: %d", *baud))
			}
			p.Link = NewELM327(SerialOpener(*baud))
		case "sim":
			p.Link = NewSimulator()
		default:
			panic(fmt.Sprintf("unknown obd transport: %s", *transport))
		}
	})

	return &p
}
