package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kljama/netmon/internal/device"
)

func testDevice() device.Device {
	return device.Device{
		ID: "dev-1", IP: "10.1.2.5", Name: "core-sw",
		Branch: "hq", Region: "north", DeviceType: "switch",
	}
}

func TestProbePointsSuccessfulProbe(t *testing.T) {
	avg, min, max := 12.5, 10.0, 15.0
	res := device.ProbeResult{
		DeviceID: "dev-1", DeviceIP: "10.1.2.5",
		Timestamp: time.Now().UTC(), Reachable: true,
		RTTAvgMs: &avg, RTTMinMs: &min, RTTMaxMs: &max, PacketLoss: 0,
	}
	points := ProbePoints(res, testDevice())
	require.Len(t, points, 5, "reachable probe carries status, loss, and three RTT metrics")

	names := make(map[string]bool)
	for _, p := range points {
		names[p.Name()] = true
	}
	for _, want := range []string{MetricPingStatus, MetricPingPacketLoss, MetricPingRTT, MetricPingRTTMin, MetricPingRTTMax} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestProbePointsFailedProbeOmitsRTT(t *testing.T) {
	res := device.ProbeResult{
		DeviceID: "dev-1", Timestamp: time.Now().UTC(),
		Reachable: false, PacketLoss: 100,
	}
	points := ProbePoints(res, testDevice())
	require.Len(t, points, 2, "unreachable probe carries only status and loss")
	for _, p := range points {
		assert.NotContains(t, []string{MetricPingRTT, MetricPingRTTMin, MetricPingRTTMax}, p.Name())
	}
}

func TestInterfacePointsCarryInterfaceTags(t *testing.T) {
	iface := device.Interface{
		DeviceID: "dev-1", IfIndex: 14, IfName: "Gi0/0/1", ISPProvider: "telekom",
	}
	values := map[string]float64{
		MetricIfOperStatus:  1,
		MetricIfHCInOctets:  123456,
		MetricIfHCOutOctets: 654321,
	}
	points := InterfacePoints(testDevice(), iface, values, time.Now().UTC())
	require.Len(t, points, len(values))

	for _, p := range points {
		tags := make(map[string]string)
		for _, tag := range p.TagList() {
			tags[tag.Key] = tag.Value
		}
		assert.Equal(t, "14", tags["if_index"])
		assert.Equal(t, "Gi0/0/1", tags["if_name"])
		assert.Equal(t, "telekom", tags["isp_provider"])
		assert.Equal(t, "dev-1", tags["device_id"])
	}
}

func TestFluxFilter(t *testing.T) {
	got := fluxFilter(MetricPingRTT, map[string]string{"device_id": "dev-1"})
	assert.Contains(t, got, `r._measurement == "device_ping_rtt_ms"`)
	assert.Contains(t, got, `r.device_id == "dev-1"`)
	assert.True(t, strings.Contains(got, " and "), "labels join with and")

	bare := fluxFilter(MetricPingStatus, nil)
	assert.Equal(t, `r._measurement == "device_ping_status"`, bare)
}

func TestFluxFilterQuotesValues(t *testing.T) {
	// Tag values reach Flux inside string literals only.
	got := fluxFilter(MetricPingRTT, map[string]string{"device_id": `x" or true or r._value == "`})
	assert.Contains(t, got, `\"`)
}
