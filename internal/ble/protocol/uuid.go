package protocol

// GATT layout of the control service. All UUIDs share the base
// 6fa9xxxx-5c4e-48a8-94f4-8030546f36fc.
const (
	ServiceUUID = "6fa90001-5c4e-48a8-94f4-8030546f36fc"
	// VersionCharUUID is read-only and holds Version as a single byte.
	VersionCharUUID = "6fa90002-5c4e-48a8-94f4-8030546f36fc"
	// TXCharUUID carries device-to-host notifications.
	TXCharUUID = "6fa90003-5c4e-48a8-94f4-8030546f36fc"
	// RXCharUUID accepts host-to-device writes.
	RXCharUUID = "6fa90004-5c4e-48a8-94f4-8030546f36fc"
)
