package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/store"
)

// OpsRuleName is the built-in rule backing persistent probe failure alerts.
const OpsRuleName = "probe-persistent-failure"

// opsRuleID is stable so restarts reuse the same rule row.
const opsRuleID = "builtin-probe-persistent-failure"

// EnsureBuiltinRules creates the operational rules if absent.
func EnsureBuiltinRules(ctx context.Context, rel *store.Relational) error {
	return rel.EnsureRule(ctx, store.RuleRow{
		ID:            opsRuleID,
		Name:          OpsRuleName,
		Severity:      store.SeverityLow,
		PredicateKind: string(PredOperational),
		Enabled:       true,
	})
}

// Ops raises low-severity operational alerts when a device's probes fail
// persistently (auth failure, ACL denial) rather than transiently. Workers
// report every persistent failure and every success; after the threshold of
// consecutive failures an instance opens, and the next success resolves it.
// Reaching the threshold also suspends the device's credentialed polls for a
// backoff window, so a broken credential is retried once per window instead
// of every cycle. ICMP reachability probes are unaffected.
type Ops struct {
	st        Store
	threshold int
	backoff   time.Duration

	mu             sync.Mutex
	failures       map[device.ID]int
	open           map[device.ID]string // instance id
	suspendedUntil map[device.ID]time.Time
}

func NewOps(st Store, threshold int, backoff time.Duration) *Ops {
	return &Ops{
		st:             st,
		threshold:      threshold,
		backoff:        backoff,
		failures:       make(map[device.ID]int),
		open:           make(map[device.ID]string),
		suspendedUntil: make(map[device.ID]time.Time),
	}
}

// Suspended reports whether the device is inside its failure backoff window.
// The SNMP pollers skip suspended devices; the window re-arms on the next
// failure and clears on the next success.
func (o *Ops) Suspended(id device.ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	until, ok := o.suspendedUntil[id]
	return ok && time.Now().Before(until)
}

// ReportFailure counts one persistent probe failure.
func (o *Ops) ReportFailure(ctx context.Context, dev device.Device, reason string) {
	o.mu.Lock()
	o.failures[dev.ID]++
	count := o.failures[dev.ID]
	if count >= o.threshold && o.backoff > 0 {
		o.suspendedUntil[dev.ID] = time.Now().Add(o.backoff)
	}
	_, alreadyOpen := o.open[dev.ID]
	o.mu.Unlock()

	if count < o.threshold || alreadyOpen {
		return
	}

	now := time.Now().UTC()
	inst := store.InstanceRow{
		ID:        uuid.NewString(),
		RuleID:    opsRuleID,
		DeviceID:  dev.ID,
		OpenEpoch: now.Unix(),
		Severity:  store.SeverityLow,
		Status:    store.StatusFiring,
		OpenedAt:  now,
	}
	if err := o.st.OpenAlert(ctx, inst); err != nil {
		log.Error().Err(err).Str("device_id", string(dev.ID)).Msg("Failed to open operational alert")
		return
	}
	o.mu.Lock()
	o.open[dev.ID] = inst.ID
	o.mu.Unlock()
	log.Warn().
		Str("device_id", string(dev.ID)).
		Str("reason", reason).
		Int("consecutive_failures", count).
		Msg("Persistent probe failures, operational alert opened")
}

// ReportSuccess resets the failure count and resolves an open instance.
func (o *Ops) ReportSuccess(ctx context.Context, dev device.Device) {
	o.mu.Lock()
	delete(o.failures, dev.ID)
	delete(o.suspendedUntil, dev.ID)
	instID, wasOpen := o.open[dev.ID]
	delete(o.open, dev.ID)
	o.mu.Unlock()

	if !wasOpen {
		return
	}
	if err := o.st.ResolveAlert(ctx, instID, time.Now().UTC()); err != nil {
		log.Error().Err(err).Str("device_id", string(dev.ID)).Msg("Failed to resolve operational alert")
	}
}
