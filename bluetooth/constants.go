package bluetooth

import "time"

const (
	BLUEZ_BUS_NAME          = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE  = "org.bluez.Device1"
	BLUEZ_GATT_SERVICE      = "org.bluez.GattService1"
	BLUEZ_GATT_CHAR         = "org.bluez.GattCharacteristic1"
	BLUEZ_GATT_DESCRIPTOR   = "org.bluez.GattDescriptor1"
	BLUEZ_OBJECT_PATH       = "/org/bluez"
)

const (
	// Service and characteristic UUIDs (must match the cashier peripheral)
	OrderServiceUUID = "00002222-0000-1000-8000-00805f9b34fb"
	OrderCharUUID    = "00001111-0000-1000-8000-00805f9b34fb"
	CCDUUID          = "00002902-0000-1000-8000-00805f9b34fb"

	// BLE configuration
	TargetMTU     = uint16(512)
	DefaultMTU    = uint16(23)
	MTUHeaderSize = uint16(3)

	// Device identification
	DefaultDeviceName = "Galaxy A14"

	// Message framing
	Sentinel     = "END"
	ProbePayload = "PING"
)

const (
	DefaultScanTimeout    = 10 * time.Second
	DefaultReconnectDelay = 2 * time.Second
	DefaultChunkDelay     = 100 * time.Millisecond
	DebounceWindow        = 300 * time.Millisecond
)
