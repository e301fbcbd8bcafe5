package device

import (
	"net"
	"strings"
	"time"
)

// ID is the opaque, stable identifier of a device in the inventory.
type ID string

// MonitoringMode selects which probe kinds a device receives.
type MonitoringMode string

const (
	ModeICMPOnly MonitoringMode = "icmp_only"
	ModeSNMP     MonitoringMode = "snmp"
	ModeBoth     MonitoringMode = "both"
)

// FlapState classifies a device's recent transition behaviour.
type FlapState string

const (
	FlapStable    FlapState = "stable"
	FlapSuspected FlapState = "suspected"
	FlapFlapping  FlapState = "flapping"
)

// Device is an inventory entry. Values are immutable once loaded; state
// mutations (down_since, flap_state) flow through the state machine and are
// persisted by the gateway, never written in place here.
type Device struct {
	ID             ID
	IP             string
	Name           string
	DeviceType     string
	Branch         string
	Region         string
	Enabled        bool
	SNMPProfileID  string
	MonitoringMode MonitoringMode

	// ISPLinkOverride, when non-nil, takes precedence over the address
	// convention in IsISPLink.
	ISPLinkOverride *bool

	DownSince *time.Time
	FlapState FlapState
	FlapUntil *time.Time
}

// IsISPLink reports whether the device carries upstream connectivity.
// Inventory convention: an IPv4 address whose last octet is 5 is an ISP link.
// An explicit inventory override wins over the convention.
func (d Device) IsISPLink() bool {
	if d.ISPLinkOverride != nil {
		return *d.ISPLinkOverride
	}
	return LastOctetIsFive(d.IP)
}

// IsUp reports the authoritative up/down state.
func (d Device) IsUp() bool { return d.DownSince == nil }

// WantsICMP reports whether the device is in the ICMP polling set.
func (d Device) WantsICMP() bool {
	return d.MonitoringMode == ModeICMPOnly || d.MonitoringMode == ModeBoth
}

// WantsSNMP reports whether the device is in the SNMP polling set.
func (d Device) WantsSNMP() bool {
	return d.MonitoringMode == ModeSNMP || d.MonitoringMode == ModeBoth
}

// LastOctetIsFive implements the ISP-link address convention.
func LastOctetIsFive(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	v4 := parsed.To4()
	if v4 == nil {
		return false
	}
	return v4[3] == 5
}

// UTCTime is a UTC wall-clock timestamp that serializes with an explicit
// offset. Downstream dashboard clients parse naive timestamps in their local
// zone, so the offset is never omitted.
type UTCTime struct {
	time.Time
}

// utcLayout keeps microsecond precision and a numeric offset ("+00:00").
const utcLayout = "2006-01-02T15:04:05.000000-07:00"

func NewUTCTime(t time.Time) UTCTime { return UTCTime{t.UTC()} }

func (t UTCTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(utcLayout) + `"`), nil
}

func (t *UTCTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}
