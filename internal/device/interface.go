package device

// InterfaceType is the classified role of a switch/router port.
type InterfaceType string

const (
	IfTypeISP      InterfaceType = "isp"
	IfTypeTrunk    InterfaceType = "trunk"
	IfTypeAccess   InterfaceType = "access"
	IfTypeMgmt     InterfaceType = "mgmt"
	IfTypeLoopback InterfaceType = "loopback"
	IfTypeWAN      InterfaceType = "wan"
	IfTypeLAN      InterfaceType = "lan"
	IfTypeServer   InterfaceType = "server"
	IfTypeUnknown  InterfaceType = "unknown"
)

// Interface is one discovered port on a device, keyed by (DeviceID, IfIndex).
type Interface struct {
	DeviceID    ID
	IfIndex     int
	IfName      string
	IfAlias     string
	AdminStatus int // 1=up 2=down per IF-MIB
	OperStatus  int
	SpeedMbps   uint64 // ifHighSpeed
	Type        InterfaceType
	ISPProvider string // from the alias dictionary, empty when unmatched
	IsCritical  bool
}

// Up reports operational status per IF-MIB (1 = up).
func (i Interface) Up() bool { return i.OperStatus == 1 }
