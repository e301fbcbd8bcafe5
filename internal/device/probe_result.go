package device

import (
	"sync"
	"time"
)

// ProbeKind distinguishes ICMP from SNMP results.
type ProbeKind string

const (
	ProbeICMP ProbeKind = "icmp"
	ProbeSNMP ProbeKind = "snmp"
)

// Reason codes carried by failure ProbeResults. A failure is a data point,
// not a dropped task, so every exhausted probe still produces a result with
// one of these codes.
const (
	ReasonNone        = ""
	ReasonTimeout     = "timeout"
	ReasonUnreachable = "unreachable"
	ReasonAuthFailed  = "auth_failed"
	ReasonACLDenied   = "acl_denied"
	ReasonMalformed   = "malformed_response"
	ReasonCancelled   = "cancelled"
)

// PersistentReason reports whether a reason code marks a persistent failure
// that must not be retried within the same cycle.
func PersistentReason(reason string) bool {
	switch reason {
	case ReasonAuthFailed, ReasonACLDenied, ReasonMalformed:
		return true
	}
	return false
}

// Varbind is one SNMP OID/value pair attached to an SNMP probe result.
type Varbind struct {
	OID   string
	Value interface{}
}

// ProbeResult is the immutable outcome of one probe against one device.
// Reachable=false implies the RTT fields are nil.
type ProbeResult struct {
	DeviceID  ID
	DeviceIP  string // denormalized to avoid join costs on the read path
	Kind      ProbeKind
	Timestamp time.Time // UTC, assigned at creation
	Seq       uint64    // per-device tie-breaker for equal timestamps

	Reachable  bool
	RTTAvgMs   *float64
	RTTMinMs   *float64
	RTTMaxMs   *float64
	PacketLoss float64 // percent
	Reason     string  // empty on success
	Varbinds   []Varbind
}

// After reports whether this result is strictly newer than (ts, seq),
// using Seq to break timestamp ties.
func (r ProbeResult) After(ts time.Time, seq uint64) bool {
	if r.Timestamp.After(ts) {
		return true
	}
	return r.Timestamp.Equal(ts) && r.Seq > seq
}

// ResultClock hands out per-device (timestamp, seq) pairs that are strictly
// monotonic for a device even when the wall clock returns equal instants.
type ResultClock struct {
	mu   sync.Mutex
	last map[ID]stamp
}

type stamp struct {
	ts  time.Time
	seq uint64
}

func NewResultClock() *ResultClock {
	return &ResultClock{last: make(map[ID]stamp)}
}

// Next returns a UTC timestamp and sequence number for a new result. The
// timestamp never moves backwards for a device; if the wall clock does, the
// previous timestamp is reused and the sequence advances.
func (c *ResultClock) Next(id ID) (time.Time, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	prev := c.last[id]
	if !now.After(prev.ts) {
		c.last[id] = stamp{ts: prev.ts, seq: prev.seq + 1}
		return prev.ts, prev.seq + 1
	}
	c.last[id] = stamp{ts: now, seq: 0}
	return now, 0
}

// NewFailureResult builds a ProbeResult for an unreachable probe with 100%
// loss and the given reason code.
func NewFailureResult(d Device, kind ProbeKind, ts time.Time, seq uint64, reason string) ProbeResult {
	return ProbeResult{
		DeviceID:   d.ID,
		DeviceIP:   d.IP,
		Kind:       kind,
		Timestamp:  ts,
		Seq:        seq,
		Reachable:  false,
		PacketLoss: 100,
		Reason:     reason,
	}
}
