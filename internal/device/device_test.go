package device

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestIsISPLinkDerivedFromLastOctet(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"10.1.1.5", true},
		{"10.1.1.50", false},
		{"192.168.0.5", true},
		{"192.168.0.4", false},
		{"10.1.1.105", false},
		{"", false},
	}
	for _, tc := range cases {
		d := Device{IP: tc.ip}
		if got := d.IsISPLink(); got != tc.want {
			t.Errorf("IsISPLink(%q) = %v, want %v", tc.ip, got, tc.want)
		}
	}
}

func TestIsISPLinkOverrideWins(t *testing.T) {
	yes, no := true, false

	d := Device{IP: "10.1.1.4", ISPLinkOverride: &yes}
	if !d.IsISPLink() {
		t.Error("override=true should mark a .4 address as ISP link")
	}
	d = Device{IP: "10.1.1.5", ISPLinkOverride: &no}
	if d.IsISPLink() {
		t.Error("override=false should unmark a .5 address")
	}
}

func TestMonitoringModes(t *testing.T) {
	cases := []struct {
		mode     MonitoringMode
		icmp     bool
		snmp     bool
	}{
		{ModeICMPOnly, true, false},
		{ModeSNMP, false, true},
		{ModeBoth, true, true},
	}
	for _, tc := range cases {
		d := Device{MonitoringMode: tc.mode}
		if d.WantsICMP() != tc.icmp {
			t.Errorf("%s: WantsICMP = %v, want %v", tc.mode, d.WantsICMP(), tc.icmp)
		}
		if d.WantsSNMP() != tc.snmp {
			t.Errorf("%s: WantsSNMP = %v, want %v", tc.mode, d.WantsSNMP(), tc.snmp)
		}
	}
}

func TestUTCTimeMarshalsWithExplicitOffset(t *testing.T) {
	ts := UTCTime{Time: time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)}
	b, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, "+00:00") {
		t.Errorf("expected explicit +00:00 offset, got %s", s)
	}
	if strings.Contains(s, "Z") {
		t.Errorf("expected numeric offset, got Z suffix: %s", s)
	}
}

func TestProbeResultAfter(t *testing.T) {
	ts := time.Now().UTC()
	r := ProbeResult{Timestamp: ts, Seq: 2}

	if !r.After(ts.Add(-time.Second), 0) {
		t.Error("newer timestamp should win")
	}
	if !r.After(ts, 1) {
		t.Error("equal timestamp with lower seq should lose to this result")
	}
	if r.After(ts, 2) {
		t.Error("identical (ts, seq) is not after itself")
	}
	if r.After(ts.Add(time.Second), 0) {
		t.Error("older timestamp never wins regardless of seq")
	}
}

func TestResultClockMonotonicPerDevice(t *testing.T) {
	c := NewResultClock()
	id := ID("dev-1")

	prevTS, prevSeq := c.Next(id)
	for i := 0; i < 1000; i++ {
		ts, seq := c.Next(id)
		if ts.Before(prevTS) {
			t.Fatalf("timestamp moved backwards: %v < %v", ts, prevTS)
		}
		if ts.Equal(prevTS) && seq <= prevSeq {
			t.Fatalf("equal timestamps must advance seq: %d <= %d", seq, prevSeq)
		}
		prevTS, prevSeq = ts, seq
	}
}

func TestPersistentReason(t *testing.T) {
	persistent := []string{ReasonAuthFailed, ReasonACLDenied, ReasonMalformed}
	transient := []string{ReasonTimeout, ReasonUnreachable, ReasonCancelled, ReasonNone}

	for _, r := range persistent {
		if !PersistentReason(r) {
			t.Errorf("%q should be persistent", r)
		}
	}
	for _, r := range transient {
		if PersistentReason(r) {
			t.Errorf("%q should be transient", r)
		}
	}
}

func TestNewFailureResult(t *testing.T) {
	d := Device{ID: "dev-9", IP: "10.0.0.9"}
	ts := time.Now().UTC()
	res := NewFailureResult(d, ProbeICMP, ts, 3, ReasonTimeout)

	if res.Reachable {
		t.Error("failure result must be unreachable")
	}
	if res.PacketLoss != 100 {
		t.Errorf("failure result loss = %v, want 100", res.PacketLoss)
	}
	if res.RTTAvgMs != nil {
		t.Error("failure result must not carry RTT")
	}
	if res.Reason != ReasonTimeout {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonTimeout)
	}
}
