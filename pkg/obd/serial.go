package obd

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// serialReadTimeout bounds each Read so the reply reader notices a closed
// port promptly.
const serialReadTimeout = 100 * time.Millisecond

// SerialOpener opens deviceName as a serial port, e.g. an rfcomm binding of a
// classic Bluetooth adapter or a USB adapter.
func SerialOpener(baud int) Opener {
	return func(ctx context.Context, deviceName string) (Port, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mode := &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(deviceName, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
		if err := port.SetReadTimeout(serialReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout: %w", err)
		}
		if err := port.ResetInputBuffer(); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to reset input buffer: %w", err)
		}
		return port, nil
	}
}
