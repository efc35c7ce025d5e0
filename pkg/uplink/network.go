package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/raterudder/batteryrelay/pkg/connectivity"
	"github.com/raterudder/batteryrelay/pkg/log"
)

const (
	nmDest              = "org.freedesktop.NetworkManager"
	nmPath              = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmActiveIface       = "org.freedesktop.NetworkManager.Connection.Active"
	dbusPropertiesGet   = "org.freedesktop.DBus.Properties.Get"
	nmActiveActivated   = uint32(2)
	nmActiveDeactivated = uint32(4)
)

// nmPollInterval is how often activation progress is checked.
var nmPollInterval = 500 * time.Millisecond

// NoNetwork is used when the host is already online, e.g. over ethernet.
type NoNetwork struct{}

var _ connectivity.Network = NoNetwork{}

// Connect implements connectivity.Network.
func (NoNetwork) Connect(ctx context.Context, ssid, password string) error {
	return ctx.Err()
}

// Disconnect implements connectivity.Network.
func (NoNetwork) Disconnect(ctx context.Context) {}

// objecter is the part of *dbus.Conn the network needs.
type objecter interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// NMNetwork joins a wireless network through NetworkManager on the system
// bus. The connection profile it adds is removed again on Disconnect.
type NMNetwork struct {
	iface string
	bus   func() (objecter, error)

	mu       sync.Mutex
	conn     objecter
	settings dbus.ObjectPath
	active   dbus.ObjectPath
}

var _ connectivity.Network = (*NMNetwork)(nil)

// NewNMNetwork returns a network that activates connections on iface.
func NewNMNetwork(iface string) *NMNetwork {
	return &NMNetwork{
		iface: iface,
		bus: func() (objecter, error) {
			return dbus.SystemBus()
		},
	}
}

func (n *NMNetwork) manager() (dbus.BusObject, error) {
	if n.conn == nil {
		conn, err := n.bus()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to system bus: %w", err)
		}
		n.conn = conn
	}
	return n.conn.Object(nmDest, nmPath), nil
}

// Connect implements connectivity.Network. The lock is only held while the
// connection is added, so Disconnect never waits on activation.
func (n *NMNetwork) Connect(ctx context.Context, ssid, password string) error {
	conn, active, err := n.activate(ctx, ssid, password)
	if err != nil || active == "" {
		return err
	}
	if err := awaitActivated(ctx, conn, active, ssid); err != nil {
		n.Disconnect(ctx)
		return err
	}
	return nil
}

// activate adds and activates the profile. It returns an empty path when a
// connection is already active.
func (n *NMNetwork) activate(ctx context.Context, ssid, password string) (objecter, dbus.ObjectPath, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active != "" {
		return nil, "", nil
	}

	nm, err := n.manager()
	if err != nil {
		return nil, "", err
	}

	var device dbus.ObjectPath
	if err := nm.CallWithContext(ctx, nmDest+".GetDeviceByIpIface", 0, n.iface).Store(&device); err != nil {
		return nil, "", fmt.Errorf("failed to find device %s: %w", n.iface, err)
	}

	profile := map[string]map[string]dbus.Variant{
		"connection": {
			"id":          dbus.MakeVariant("batteryrelay-" + ssid),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant("infrastructure"),
		},
	}
	if password != "" {
		profile["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(password),
		}
	}

	var settings, active dbus.ObjectPath
	call := nm.CallWithContext(ctx, nmDest+".AddAndActivateConnection", 0, profile, device, dbus.ObjectPath("/"))
	if err := call.Store(&settings, &active); err != nil {
		return nil, "", fmt.Errorf("failed to activate connection: %w", err)
	}
	n.settings = settings
	n.active = active
	log.Ctx(ctx).DebugContext(ctx, "activating network", slog.String("ssid", ssid), slog.String("active", string(active)))
	return n.conn, active, nil
}

func awaitActivated(ctx context.Context, conn objecter, active dbus.ObjectPath, ssid string) error {
	ticker := time.NewTicker(nmPollInterval)
	defer ticker.Stop()
	obj := conn.Object(nmDest, active)
	for {
		var v dbus.Variant
		if err := obj.CallWithContext(ctx, dbusPropertiesGet, 0, nmActiveIface, "State").Store(&v); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("failed to read activation state: %w", err)
		}
		state, _ := v.Value().(uint32)
		switch state {
		case nmActiveActivated:
			return nil
		case nmActiveDeactivated:
			return fmt.Errorf("network %s refused the connection", ssid)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Disconnect implements connectivity.Network.
func (n *NMNetwork) Disconnect(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.teardown(ctx)
}

func (n *NMNetwork) teardown(ctx context.Context) {
	if n.active == "" && n.settings == "" {
		return
	}
	// the context may already be done when abandoning a connect
	ctx = context.WithoutCancel(ctx)
	nm, err := n.manager()
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to release network", slog.Any("error", err))
		return
	}
	if n.active != "" {
		if call := nm.CallWithContext(ctx, nmDest+".DeactivateConnection", 0, n.active); call.Err != nil {
			log.Ctx(ctx).DebugContext(ctx, "failed to deactivate connection", slog.Any("error", call.Err))
		}
	}
	if n.settings != "" {
		obj := n.conn.Object(nmDest, n.settings)
		if call := obj.CallWithContext(ctx, nmDest+".Settings.Connection.Delete", 0); call.Err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to delete connection profile", slog.Any("error", call.Err))
		}
	}
	n.active = ""
	n.settings = ""
}
