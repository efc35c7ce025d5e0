package acquisition

import (
	"encoding/binary"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/batteryrelay/pkg/obd"
)

// Configured sets up the acquisition machine based on flags.
func Configured(link obd.Link, opts ...Option) *Machine {
	def := DefaultConfig()
	device := lflag.String("obd-device", def.DeviceName, "Advertised name (ble) or device path (serial) of the diagnostic adapter")
	connectTimeout := lflag.Duration("obd-connect-timeout", def.ConnectTimeout, "Timeout for connecting to the diagnostic adapter")
	initTimeout := lflag.Duration("obd-init-timeout", def.InitTimeout, "Timeout for the adapter initialization sequence")
	readTimeout := lflag.Duration("obd-read-timeout", def.ReadTimeout, "Timeout for each parameter read")
	byteOrder := lflag.String("obd-byte-order", "be", "Byte order of two-byte readings (available: be, le)")

	m := New(link, def, opts...)

	lflag.Do(func() {
		m.cfg.DeviceName = *device
		m.cfg.ConnectTimeout = *connectTimeout
		m.cfg.InitTimeout = *initTimeout
		m.cfg.ReadTimeout = *readTimeout
		switch *byteOrder {
		case "be":
			m.cfg.ByteOrder = binary.BigEndian
		case "le":
			m.cfg.ByteOrder = binary.LittleEndian
		default:
			panic(fmt.Sprintf("unknown obd-byte-order: %s", *byteOrder))
		}
	})

	return m
}
