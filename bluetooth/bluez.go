package bluetooth

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

// BluezTransport is the production Transport backed by BlueZ over the
// system D-Bus.
type BluezTransport struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

// NewBluezTransport connects to the system bus and binds to the default
// adapter (hci0).
func NewBluezTransport() (*BluezTransport, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}
	return &BluezTransport{
		conn:    conn,
		adapter: dbus.ObjectPath("/org/bluez/hci0"),
	}, nil
}

func formatDevicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(address, ":", "_"))
}

// Scan starts LE discovery and polls the BlueZ object tree until a
// device advertising the wanted name shows up or the timeout elapses.
func (t *BluezTransport) Scan(ctx context.Context, nameFilter string, timeout time.Duration) (Device, error) {
	log.Printf("BLE_LOG: Scanning for %q (timeout %v)", nameFilter, timeout)

	adapter := t.conn.Object(BLUEZ_BUS_NAME, t.adapter)

	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if err := adapter.Call("org.bluez.Adapter1.SetDiscoveryFilter", 0, filter).Err; err != nil {
		// Some adapters do not support filters; scan anyway.
		log.Printf("BLE_LOG: Failed to set discovery filter: %v", err)
	}

	if err := adapter.Call("org.bluez.Adapter1.StartDiscovery", 0).Err; err != nil {
		return Device{}, fmt.Errorf("failed to start discovery: %w", err)
	}
	defer func() {
		if err := adapter.Call("org.bluez.Adapter1.StopDiscovery", 0).Err; err != nil {
			log.Printf("BLE_LOG: Failed to stop discovery: %v", err)
		}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Device{}, ctx.Err()
		case <-deadline.C:
			log.Printf("BLE_LOG: Scan timeout - no %q device found", nameFilter)
			return Device{}, ErrScanTimeout
		case <-ticker.C:
			if dev, found := t.findDeviceByName(nameFilter); found {
				log.Printf("BLE_LOG: Found %s at %s", dev.Name, dev.Address)
				return dev, nil
			}
		}
	}
}

func (t *BluezTransport) findDeviceByName(nameFilter string) (Device, bool) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := t.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		log.Printf("BLE_LOG: Failed to get managed objects during scan: %v", err)
		return Device{}, false
	}

	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), string(t.adapter)+"/dev_") {
			continue
		}
		deviceIface, hasDevice := interfaces[BLUEZ_DEVICE_INTERFACE]
		if !hasDevice {
			continue
		}

		var name, address string
		if v, ok := deviceIface["Name"]; ok {
			name, _ = v.Value().(string)
		}
		if v, ok := deviceIface["Address"]; ok {
			address, _ = v.Value().(string)
		}
		if name == nameFilter && address != "" {
			return Device{Name: name, Address: address}, true
		}
	}
	return Device{}, false
}

// Connect establishes the GATT link and prepares the order
// characteristic for writes and notifications.
func (t *BluezTransport) Connect(ctx context.Context, dev Device) (Conn, error) {
	devicePath := formatDevicePath(t.adapter, dev.Address)
	deviceObj := t.conn.Object(BLUEZ_BUS_NAME, devicePath)

	log.Printf("BLE_LOG: Connecting to %s (%s)", dev.Name, dev.Address)

	var connected bool
	if err := deviceObj.Call("org.freedesktop.DBus.Properties.Get", 0, BLUEZ_DEVICE_INTERFACE, "Connected").Store(&connected); err == nil && connected {
		log.Println("BLE_LOG: Device already connected")
	} else {
		if err := deviceObj.Call("org.bluez.Device1.Connect", 0).Err; err != nil {
			if strings.Contains(err.Error(), "InProgress") {
				log.Println("BLE_LOG: Connection already in progress, waiting...")
			} else {
				return nil, fmt.Errorf("failed to connect to device: %w", err)
			}
		}
		if err := t.waitDeviceConnected(ctx, deviceObj); err != nil {
			return nil, err
		}
	}

	if err := t.waitServicesResolved(ctx, deviceObj); err != nil {
		return nil, err
	}

	charPath, err := t.findOrderCharacteristic(devicePath)
	if err != nil {
		return nil, err
	}

	c := &bluezConn{
		transport:  t,
		device:     dev,
		devicePath: devicePath,
		charPath:   charPath,
		mtu:        DefaultMTU,
	}

	if err := c.enableNotifications(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to enable notifications: %w", err)
	}

	c.negotiateMTU()

	log.Printf("BLE_LOG: GATT link ready (MTU %d)", c.mtu)
	return c, nil
}

func (t *BluezTransport) waitDeviceConnected(ctx context.Context, deviceObj dbus.BusObject) error {
	const maxAttempts = 10
	for i := 0; i < maxAttempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}

		var connected bool
		if err := deviceObj.Call("org.freedesktop.DBus.Properties.Get", 0, BLUEZ_DEVICE_INTERFACE, "Connected").Store(&connected); err == nil && connected {
			log.Println("BLE_LOG: Device connected successfully")
			return nil
		}
	}
	return fmt.Errorf("timeout waiting for device connection")
}

func (t *BluezTransport) waitServicesResolved(ctx context.Context, deviceObj dbus.BusObject) error {
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		var resolved bool
		if err := deviceObj.Call("org.freedesktop.DBus.Properties.Get", 0, BLUEZ_DEVICE_INTERFACE, "ServicesResolved").Store(&resolved); err == nil && resolved {
			log.Println("BLE_LOG: Services resolved")
			return nil
		}
		log.Printf("BLE_LOG: Waiting for services to be resolved (attempt %d/%d)...", i+1, maxRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("GATT services not resolved")
}

// findOrderCharacteristic walks the BlueZ object tree under the device
// looking for the order service and its data characteristic.
func (t *BluezTransport) findOrderCharacteristic(devicePath dbus.ObjectPath) (dbus.ObjectPath, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := t.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return "", fmt.Errorf("failed to get managed objects: %w", err)
	}

	var servicePath dbus.ObjectPath
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), string(devicePath)+"/service") {
			continue
		}
		if svcIface, ok := interfaces[BLUEZ_GATT_SERVICE]; ok {
			if uuidVariant, ok := svcIface["UUID"]; ok {
				if uuid, _ := uuidVariant.Value().(string); strings.EqualFold(uuid, OrderServiceUUID) {
					servicePath = path
					break
				}
			}
		}
	}
	if servicePath == "" {
		return "", fmt.Errorf("order service %s not found", OrderServiceUUID)
	}

	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), string(servicePath)+"/char") {
			continue
		}
		if charIface, ok := interfaces[BLUEZ_GATT_CHAR]; ok {
			if uuidVariant, ok := charIface["UUID"]; ok {
				if uuid, _ := uuidVariant.Value().(string); strings.EqualFold(uuid, OrderCharUUID) {
					log.Printf("BLE_LOG: Found order characteristic at %s", path)
					return path, nil
				}
			}
		}
	}
	return "", fmt.Errorf("order characteristic %s not found", OrderCharUUID)
}

// bluezConn is one live GATT link.
type bluezConn struct {
	transport  *BluezTransport
	device     Device
	devicePath dbus.ObjectPath
	charPath   dbus.ObjectPath
	mtu        uint16
}

func (c *bluezConn) MTU() uint16 { return c.mtu }

// enableNotifications writes the CCD by asking BlueZ to StartNotify,
// retrying a few times. Peripherals are occasionally still settling
// right after service discovery.
func (c *bluezConn) enableNotifications() error {
	charObj := c.transport.conn.Object(BLUEZ_BUS_NAME, c.charPath)

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			log.Printf("BLE_LOG: StartNotify retry %d", attempt)
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
		if err = charObj.Call("org.bluez.GattCharacteristic1.StartNotify", 0).Err; err == nil {
			log.Println("BLE_LOG: Notifications enabled on order characteristic")
			return nil
		}
	}
	return err
}

// negotiateMTU asks BlueZ for the characteristic MTU. BlueZ negotiates
// the ATT MTU itself during connection; if the property is missing we
// keep the default minimum. Best effort, never fatal.
func (c *bluezConn) negotiateMTU() {
	charObj := c.transport.conn.Object(BLUEZ_BUS_NAME, c.charPath)

	var mtu uint16
	if err := charObj.Call("org.freedesktop.DBus.Properties.Get", 0, BLUEZ_GATT_CHAR, "MTU").Store(&mtu); err != nil || mtu == 0 {
		log.Printf("BLE_LOG: MTU negotiation unavailable, using default %d", DefaultMTU)
		c.mtu = DefaultMTU
		return
	}
	if mtu > TargetMTU {
		mtu = TargetMTU
	}
	c.mtu = mtu
	log.Printf("BLE_LOG: Negotiated MTU %d", mtu)
}

// Write performs one acknowledged ("request") write of a single frame.
func (c *bluezConn) Write(ctx context.Context, data []byte) error {
	charObj := c.transport.conn.Object(BLUEZ_BUS_NAME, c.charPath)
	options := map[string]interface{}{"type": "request"}

	call := charObj.CallWithContext(ctx, "org.bluez.GattCharacteristic1.WriteValue", 0, data, options)
	if call.Err != nil {
		return fmt.Errorf("characteristic write failed: %w", call.Err)
	}
	return nil
}

// Observe subscribes to PropertiesChanged signals on the order
// characteristic and forwards raw value chunks.
func (c *bluezConn) Observe(ctx context.Context) (<-chan []byte, error) {
	rule := fmt.Sprintf("type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path='%s'", c.charPath)
	if err := c.transport.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return nil, fmt.Errorf("failed to add notification match rule: %w", err)
	}

	sigChan := make(chan *dbus.Signal, 100)
	c.transport.conn.Signal(sigChan)

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer c.transport.conn.RemoveSignal(sigChan)
		defer c.transport.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				if sig == nil || sig.Path != c.charPath || sig.Name != "org.freedesktop.DBus.Properties.PropertiesChanged" {
					continue
				}
				if len(sig.Body) < 2 {
					continue
				}
				changedProps, ok := sig.Body[1].(map[string]dbus.Variant)
				if !ok {
					continue
				}
				valueVariant, exists := changedProps["Value"]
				if !exists {
					continue
				}
				if value, ok := valueVariant.Value().([]byte); ok {
					select {
					case out <- value:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// StateFeed watches the device's Connected property and translates it
// into lifecycle events.
func (c *bluezConn) StateFeed(ctx context.Context) <-chan PhaseEvent {
	out := make(chan PhaseEvent, 16)

	rule := fmt.Sprintf("type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path='%s'", c.devicePath)
	if err := c.transport.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		log.Printf("BLE_LOG: Failed to add device match rule: %v", err)
		close(out)
		return out
	}

	sigChan := make(chan *dbus.Signal, 100)
	c.transport.conn.Signal(sigChan)

	go func() {
		defer close(out)
		defer c.transport.conn.RemoveSignal(sigChan)
		defer c.transport.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				if sig == nil || sig.Path != c.devicePath || sig.Name != "org.freedesktop.DBus.Properties.PropertiesChanged" {
					continue
				}
				if len(sig.Body) < 2 {
					continue
				}
				changedProps, ok := sig.Body[1].(map[string]dbus.Variant)
				if !ok {
					continue
				}
				connectedVariant, exists := changedProps["Connected"]
				if !exists {
					continue
				}
				ev := PhaseEvent{At: time.Now()}
				if connected, _ := connectedVariant.Value().(bool); connected {
					ev.Phase = PhaseConnected
				} else {
					ev.Phase = PhaseDisconnected
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (c *bluezConn) Close() error {
	charObj := c.transport.conn.Object(BLUEZ_BUS_NAME, c.charPath)
	charObj.Call("org.bluez.GattCharacteristic1.StopNotify", 0)

	deviceObj := c.transport.conn.Object(BLUEZ_BUS_NAME, c.devicePath)
	if err := deviceObj.Call("org.bluez.Device1.Disconnect", 0).Err; err != nil {
		return fmt.Errorf("disconnect failed: %w", err)
	}
	return nil
}
