// Package probe contains the stateless ICMP and SNMP probe drivers. A driver
// executes exactly one probe against one device and returns a typed result;
// retry policy lives here, scheduling does not.
package probe

import (
	"context"

	"github.com/kljama/netmon/internal/creds"
	"github.com/kljama/netmon/internal/device"
)

// Pinger executes one ICMP echo sequence against one device.
type Pinger interface {
	Ping(ctx context.Context, dev device.Device) device.ProbeResult
}

// SNMPProber executes SNMP operations against one device.
type SNMPProber interface {
	// Poll issues a GET for the system OIDs and returns a ProbeResult.
	Poll(ctx context.Context, dev device.Device, cred creds.Decrypted) device.ProbeResult
	// CollectInterfaces walks IF-MIB counters and status for known interfaces.
	CollectInterfaces(ctx context.Context, dev device.Device, cred creds.Decrypted) ([]InterfaceSample, error)
	// DiscoverInterfaces walks the full interface table and classifies ports.
	DiscoverInterfaces(ctx context.Context, dev device.Device, cred creds.Decrypted) ([]device.Interface, error)
}

// InterfaceSample is one collection pass over one interface: operational
// status plus the raw IF-MIB counters. Rates are the TSDB's job.
type InterfaceSample struct {
	DeviceID    device.ID
	IfIndex     int
	OperStatus  int
	HCInOctets  uint64
	HCOutOctets uint64
	InErrors    uint64
	OutErrors   uint64
	InDiscards  uint64
	OutDiscards uint64
}

// IF-MIB and SNMPv2-MIB object identifiers used by the SNMP driver.
const (
	oidSysDescr    = "1.3.6.1.2.1.1.1.0"
	oidSysName     = "1.3.6.1.2.1.1.5.0"
	oidSysLocation = "1.3.6.1.2.1.1.6.0"

	oidIfDescr       = "1.3.6.1.2.1.2.2.1.2"
	oidIfAdminStatus = "1.3.6.1.2.1.2.2.1.7"
	oidIfOperStatus  = "1.3.6.1.2.1.2.2.1.8"
	oidIfInDiscards  = "1.3.6.1.2.1.2.2.1.13"
	oidIfInErrors    = "1.3.6.1.2.1.2.2.1.14"
	oidIfOutDiscards = "1.3.6.1.2.1.2.2.1.19"
	oidIfOutErrors   = "1.3.6.1.2.1.2.2.1.20"

	oidIfHCInOctets = "1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCOutOcts  = "1.3.6.1.2.1.31.1.1.1.10"
	oidIfHighSpeed  = "1.3.6.1.2.1.31.1.1.1.15"
	oidIfAlias      = "1.3.6.1.2.1.31.1.1.1.18"
)
