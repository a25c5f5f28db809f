package device

// Advertisement is the transport-native discovery record handed to the vetting
// delegate. Service UUIDs are returned in normalized form.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() map[string][]byte
	Services() []string
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() string
}

// Peripheral is the identity of a discovered unit: the transport identifier is
// the sole equality key, name and RSSI are the values seen at discovery.
type Peripheral struct {
	ID               string
	Name             string
	RSSI             int
	ManufacturerData []byte
}

// Vendor names the manufacturer behind the advertised manufacturer data.
func (p Peripheral) Vendor() string { return Vendor(p.ManufacturerData) }

// PeripheralFromAdvertisement captures the identity carried by adv.
func PeripheralFromAdvertisement(adv Advertisement) Peripheral {
	return Peripheral{
		ID:               adv.Addr(),
		Name:             adv.LocalName(),
		RSSI:             adv.RSSI(),
		ManufacturerData: adv.ManufacturerData(),
	}
}

// RawService is a transport service descriptor: its UUID and an opaque handle
// the transport may use to resolve it later.
type RawService struct {
	UUID   string
	Handle any
}

// ValueEvent reports a characteristic read completion or a notification.
type ValueEvent struct {
	PeripheralID string
	ServiceUUID  string
	CharUUID     string
	Data         []byte
	Err          error
	Notification bool
}

// Transport is the radio stack the driver drives. Request methods return only
// submission errors; every result is delivered later through the TransportHandler.
type Transport interface {
	SetHandler(h TransportHandler)
	PoweredOn() bool

	StartScan(serviceUUIDs []string, allowDuplicates bool) error
	StopScan() error

	Connect(peripheralID string) error
	CancelConnection(peripheralID string) error

	DiscoverServices(peripheralID string, serviceUUIDs []string) error
	DiscoverCharacteristics(peripheralID, serviceUUID string, charUUIDs []string) error
	ReadCharacteristic(peripheralID, serviceUUID, charUUID string) error
	WriteCharacteristic(peripheralID, serviceUUID, charUUID string, data []byte, withResponse bool) error
	SetNotify(peripheralID, serviceUUID, charUUID string, enabled bool) error
}

// TransportHandler receives transport events. Implementations must not block;
// events for one peripheral are delivered in the order the radio produced them.
type TransportHandler interface {
	OnPowerStateChanged(poweredOn bool)
	OnDiscover(adv Advertisement)
	OnScanError(err error)

	OnConnect(peripheralID string)
	OnConnectFailed(peripheralID string, err error)
	OnDisconnect(peripheralID string, err error)

	OnServicesDiscovered(peripheralID string, services []RawService, err error)
	OnCharacteristicsDiscovered(peripheralID, serviceUUID string, charUUIDs []string, err error)
	OnCharacteristicValue(ev ValueEvent)
	OnCharacteristicWritten(peripheralID, serviceUUID, charUUID string, err error)
}
