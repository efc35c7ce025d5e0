package obd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"tinygo.org/x/bluetooth"
)

// Most BLE ELM327 clones expose the serial stream on these characteristics.
var (
	bleService = bluetooth.New16BitUUID(0xFFF0)
	bleNotify  = bluetooth.New16BitUUID(0xFFF1)
	bleWrite   = bluetooth.New16BitUUID(0xFFF2)
)

// bleChunk is the largest write that fits the default ATT MTU.
const bleChunk = 20

// BLEOpener finds the adapter advertising deviceName and opens its serial
// characteristics.
func BLEOpener(adapter *bluetooth.Adapter) Opener {
	var (
		enableOnce sync.Once
		enableErr  error
	)
	return func(ctx context.Context, deviceName string) (Port, error) {
		enableOnce.Do(func() {
			enableErr = adapter.Enable()
		})
		if enableErr != nil {
			return nil, fmt.Errorf("failed to enable bluetooth: %w", enableErr)
		}

		addr, err := scanFor(ctx, adapter, deviceName)
		if err != nil {
			return nil, err
		}

		dev, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		port, err := openBLEPort(dev)
		if err != nil {
			dev.Disconnect()
			return nil, err
		}
		return port, nil
	}
}

func scanFor(ctx context.Context, adapter *bluetooth.Adapter, name string) (bluetooth.Address, error) {
	found := make(chan bluetooth.Address, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if r.LocalName() != name {
				return
			}
			select {
			case found <- r.Address:
			default:
			}
			a.StopScan()
		})
	}()

	select {
	case addr := <-found:
		return addr, nil
	case err := <-scanErr:
		if err != nil {
			return bluetooth.Address{}, fmt.Errorf("scan failed: %w", err)
		}
		select {
		case addr := <-found:
			return addr, nil
		default:
			return bluetooth.Address{}, ErrNoDevice
		}
	case <-ctx.Done():
		adapter.StopScan()
		return bluetooth.Address{}, fmt.Errorf("scan for %q: %w", name, ctx.Err())
	}
}

// blePort adapts notify/write characteristics to a byte stream.
type blePort struct {
	dev bluetooth.Device
	tx  bluetooth.DeviceCharacteristic

	rx      chan []byte
	pending []byte
	closed  chan struct{}
	once    sync.Once
}

func openBLEPort(dev bluetooth.Device) (*blePort, error) {
	svcs, err := dev.DiscoverServices([]bluetooth.UUID{bleService})
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, errors.New("serial service not found")
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{bleNotify, bleWrite})
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics: %w", err)
	}

	p := &blePort{
		dev:    dev,
		rx:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	var rxChar *bluetooth.DeviceCharacteristic
	hasTx := false
	for i := range chars {
		switch chars[i].UUID() {
		case bleNotify:
			rxChar = &chars[i]
		case bleWrite:
			p.tx = chars[i]
			hasTx = true
		}
	}
	if rxChar == nil || !hasTx {
		return nil, errors.New("serial characteristics missing")
	}
	err = rxChar.EnableNotifications(func(buf []byte) {
		b := append([]byte(nil), buf...)
		select {
		case p.rx <- b:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enable notifications: %w", err)
	}
	return p, nil
}

func (p *blePort) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		select {
		case p.pending = <-p.rx:
		case <-p.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *blePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	written := 0
	for len(b) > 0 {
		n := min(len(b), bleChunk)
		if _, err := p.tx.WriteWithoutResponse(b[:n]); err != nil {
			return written, err
		}
		written += n
		b = b[n:]
	}
	return written, nil
}

func (p *blePort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		err = p.dev.Disconnect()
	})
	return err
}
