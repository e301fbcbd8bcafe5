package device

import (
	"regexp"
	"strings"
)

// Interface classification works on ifName/ifDescr plus the operator-written
// ifAlias. Patterns are checked in order; first match wins.
var classifyRules = []struct {
	typ InterfaceType
	re  *regexp.Regexp
}{
	{IfTypeLoopback, regexp.MustCompile(`(?i)^(lo|loopback)`)},
	{IfTypeISP, regexp.MustCompile(`(?i)\b(isp|uplink|upstream|internet|fiber|dia)\b`)},
	{IfTypeWAN, regexp.MustCompile(`(?i)\b(wan|mpls|vpn|tunnel)\b`)},
	{IfTypeTrunk, regexp.MustCompile(`(?i)\b(trunk|po\d+|port-?channel|lag|bond)\b`)},
	{IfTypeMgmt, regexp.MustCompile(`(?i)\b(mgmt|management|oob)\b`)},
	{IfTypeServer, regexp.MustCompile(`(?i)\b(server|srv|esxi|hyperv|nas)\b`)},
	{IfTypeLAN, regexp.MustCompile(`(?i)\b(lan|vlan\d+|core)\b`)},
	{IfTypeAccess, regexp.MustCompile(`(?i)\b(access|user|office|ap\d*|wifi)\b`)},
}

// ispProviders maps ifAlias substrings to a provider tag. Static lookup
// table; first match wins, keys are matched case-insensitively.
var ispProviders = []struct {
	substr   string
	provider string
}{
	{"telekom", "telekom"},
	{"a1", "a1"},
	{"vodafone", "vodafone"},
	{"orange", "orange"},
	{"telenor", "telenor"},
	{"sbb", "sbb"},
	{"mtel", "mtel"},
	{"starlink", "starlink"},
}

// ClassifyInterface assigns an InterfaceType from name and alias.
// The alias is consulted first since operators describe the link there.
func ClassifyInterface(ifName, ifAlias string) InterfaceType {
	for _, rule := range classifyRules {
		if rule.re.MatchString(ifAlias) || rule.re.MatchString(ifName) {
			return rule.typ
		}
	}
	return IfTypeUnknown
}

// ISPProviderFor returns the provider tag matched in the alias, or "".
func ISPProviderFor(ifAlias string) string {
	lower := strings.ToLower(ifAlias)
	for _, entry := range ispProviders {
		if strings.Contains(lower, entry.substr) {
			return entry.provider
		}
	}
	return ""
}
