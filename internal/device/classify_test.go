package device

import "testing"

func TestClassifyInterface(t *testing.T) {
	cases := []struct {
		name  string
		alias string
		want  InterfaceType
	}{
		{"lo0", "", IfTypeLoopback},
		{"Gi0/0/1", "ISP Uplink Telekom", IfTypeISP},
		{"Gi0/0/2", "internet fiber", IfTypeISP},
		{"Gi0/1", "WAN to HQ", IfTypeWAN},
		{"Tunnel1", "", IfTypeWAN},
		{"Po1", "", IfTypeTrunk},
		{"Port-channel2", "", IfTypeTrunk},
		{"Mgmt0", "", IfTypeMgmt},
		{"Gi1/0/10", "server ESXi-01", IfTypeServer},
		{"Vlan100", "", IfTypeLAN},
		{"Gi1/0/24", "office user port", IfTypeAccess},
		{"Gi1/0/5", "", IfTypeUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyInterface(tc.name, tc.alias); got != tc.want {
			t.Errorf("ClassifyInterface(%q, %q) = %v, want %v", tc.name, tc.alias, got, tc.want)
		}
	}
}

func TestClassifyAliasTakesPriority(t *testing.T) {
	// The alias says ISP even though the name pattern matches nothing.
	if got := ClassifyInterface("Gi0/0/3", "DIA upstream"); got != IfTypeISP {
		t.Errorf("alias match should classify as ISP, got %v", got)
	}
}

func TestISPProviderFor(t *testing.T) {
	cases := []struct {
		alias string
		want  string
	}{
		{"ISP Uplink Telekom primary", "telekom"},
		{"VODAFONE backup DIA", "vodafone"},
		{"Starlink failover", "starlink"},
		{"office floor 2", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ISPProviderFor(tc.alias); got != tc.want {
			t.Errorf("ISPProviderFor(%q) = %q, want %q", tc.alias, got, tc.want)
		}
	}
}
