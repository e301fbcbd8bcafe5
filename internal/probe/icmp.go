package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/metrics"
)

// ICMPDriver sends a short echo sequence per probe so that packet loss and
// RTT min/avg/max are measured, not inferred from a single packet.
type ICMPDriver struct {
	clock   *device.ResultClock
	timeout time.Duration
	count   int
}

// NewICMPDriver builds the driver. timeout is the hard per-device cap.
func NewICMPDriver(clock *device.ResultClock, timeout time.Duration) *ICMPDriver {
	return &ICMPDriver{clock: clock, timeout: timeout, count: 3}
}

// Ping probes one device. It retries once on timeout; a probe that exhausts
// retries still produces a failure result with a reason code.
func (d *ICMPDriver) Ping(ctx context.Context, dev device.Device) device.ProbeResult {
	if err := validateIPAddress(dev.IP); err != nil {
		log.Error().Str("ip", dev.IP).Err(err).Msg("Invalid IP address")
		ts, seq := d.clock.Next(dev.ID)
		return device.NewFailureResult(dev, device.ProbeICMP, ts, seq, device.ReasonMalformed)
	}

	res, reason := d.pingOnce(ctx, dev)
	if reason == device.ReasonTimeout {
		// One retry on timeout; unreachable and cancellation are final.
		metrics.ProbeRetries.WithLabelValues(string(device.ProbeICMP)).Inc()
		res, reason = d.pingOnce(ctx, dev)
	}
	if reason == device.ReasonNone {
		metrics.ProbesTotal.WithLabelValues(string(device.ProbeICMP), "ok").Inc()
		return res
	}
	metrics.ProbesTotal.WithLabelValues(string(device.ProbeICMP), reason).Inc()
	ts, seq := d.clock.Next(dev.ID)
	return device.NewFailureResult(dev, device.ProbeICMP, ts, seq, reason)
}

// pingOnce runs a single echo sequence. The returned reason is empty on
// success.
func (d *ICMPDriver) pingOnce(ctx context.Context, dev device.Device) (device.ProbeResult, string) {
	pinger, err := probing.NewPinger(dev.IP)
	if err != nil {
		log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to create pinger")
		return device.ProbeResult{}, device.ReasonMalformed
	}
	pinger.Count = d.count
	pinger.Interval = 200 * time.Millisecond
	pinger.Timeout = d.timeout
	pinger.SetPrivileged(true) // raw ICMP sockets (requires root or CAP_NET_RAW)

	if err := pinger.RunWithContext(ctx); err != nil {
		if ctx.Err() != nil {
			return device.ProbeResult{}, device.ReasonCancelled
		}
		// Network unreachable errors are fast syscall failures (routing/ARP),
		// not timeouts; don't burn a retry on them.
		if strings.Contains(err.Error(), "unreachable") {
			log.Warn().Str("ip", dev.IP).Err(err).Msg("Network routing issue detected (check ARP/routing)")
			return device.ProbeResult{}, device.ReasonUnreachable
		}
		log.Error().Str("ip", dev.IP).Err(err).Msg("Ping execution failed")
		return device.ProbeResult{}, device.ReasonTimeout
	}

	stats := pinger.Statistics()
	// RTT measurements directly prove we got a response; PacketsRecv alone
	// can lie on duplicate-suppressing middleboxes.
	if len(stats.Rtts) == 0 || stats.AvgRtt <= 0 {
		return device.ProbeResult{}, device.ReasonTimeout
	}

	ts, seq := d.clock.Next(dev.ID)
	avg := float64(stats.AvgRtt) / float64(time.Millisecond)
	min := float64(stats.MinRtt) / float64(time.Millisecond)
	max := float64(stats.MaxRtt) / float64(time.Millisecond)
	log.Debug().
		Str("ip", dev.IP).
		Dur("rtt", stats.AvgRtt).
		Float64("loss", stats.PacketLoss).
		Msg("Ping successful")
	return device.ProbeResult{
		DeviceID:   dev.ID,
		DeviceIP:   dev.IP,
		Kind:       device.ProbeICMP,
		Timestamp:  ts,
		Seq:        seq,
		Reachable:  true,
		RTTAvgMs:   &avg,
		RTTMinMs:   &min,
		RTTMaxMs:   &max,
		PacketLoss: stats.PacketLoss,
	}, device.ReasonNone
}

// validateIPAddress validates IP address format and security constraints
func validateIPAddress(ipStr string) error {
	if ipStr == "" {
		return fmt.Errorf("IP address cannot be empty")
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return fmt.Errorf("invalid IP address format: %s", ipStr)
	}

	// Security checks - prevent probing dangerous addresses
	if ip.IsLoopback() {
		return fmt.Errorf("loopback addresses not allowed: %s", ipStr)
	}
	if ip.IsMulticast() {
		return fmt.Errorf("multicast addresses not allowed: %s", ipStr)
	}
	if ip.IsLinkLocalUnicast() {
		return fmt.Errorf("link-local addresses not allowed: %s", ipStr)
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses not allowed: %s", ipStr)
	}

	return nil
}
