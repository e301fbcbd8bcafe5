package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/metrics"
	"github.com/kljama/netmon/internal/store"
)

// Store is the slice of the gateway the evaluator consumes.
type Store interface {
	EnabledRules(ctx context.Context) ([]store.RuleRow, error)
	DevicesForScope(ctx context.Context, scope store.ScopeFilter) ([]device.Device, error)
	FiringInstances(ctx context.Context) ([]store.InstanceRow, error)
	OpenAlert(ctx context.Context, inst store.InstanceRow) error
	ResolveAlert(ctx context.Context, id string, at time.Time) error
	WindowAggregate(ctx context.Context, metric string, labels map[string]string, fn store.AggregateFunc, rng time.Duration) (float64, error)
	DependencyEdges(ctx context.Context) (map[device.ID][]device.ID, error)
}

// Invalidator evicts rule aggregates from the read cache.
type Invalidator interface {
	OnAlertChange()
}

type verdict int

const (
	verdictFalse verdict = iota
	verdictTrue
	verdictUnknown // TSDB unavailable; never a false positive
)

// Evaluator applies the rule set every cycle. It is the sole writer of
// alert instances.
type Evaluator struct {
	st    Store
	cache Invalidator

	ruleRefresh time.Duration

	mu          sync.Mutex
	rules       []Rule
	rulesLoaded time.Time
	deps        *DependencyGraph

	// confirmation / hysteresis clocks keyed by ruleID+"\x00"+deviceID
	firstTrue  map[string]time.Time
	firstFalse map[string]time.Time

	transitions *transitionLog

	// cycleMu serializes cycles; a scheduled cycle that overlaps a running
	// one is skipped rather than queued.
	cycleMu sync.Mutex

	events <-chan device.Transition
}

// NewEvaluator builds the evaluator. events is the state machine's
// transition stream; ISP-link transitions trigger a fast-path evaluation
// ahead of the next scheduled cycle.
func NewEvaluator(st Store, cache Invalidator, events <-chan device.Transition, ruleRefresh time.Duration) *Evaluator {
	return &Evaluator{
		st:          st,
		cache:       cache,
		ruleRefresh: ruleRefresh,
		firstTrue:   make(map[string]time.Time),
		firstFalse:  make(map[string]time.Time),
		transitions: newTransitionLog(time.Hour),
		events:      events,
	}
}

// Run consumes the transition stream until ctx is cancelled. Scheduled
// cycles arrive through the alerts queue; this loop only records transitions
// and fast-paths ISP-link flips ahead of the next cycle.
func (e *Evaluator) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Evaluator panic recovered")
		}
	}()

	// Fast-path evaluations are rate limited so a flapping ISP link cannot
	// turn the event stream into a busy loop.
	var lastFastPath time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-e.events:
			e.transitions.record(tr)
			if tr.ISPLink && time.Since(lastFastPath) > 2*time.Second {
				lastFastPath = time.Now()
				e.RunCycle(ctx)
			}
		}
	}
}

// RunCycle performs one evaluation pass. Errors on one (rule, device) never
// abort the broader cycle.
func (e *Evaluator) RunCycle(ctx context.Context) {
	if !e.cycleMu.TryLock() {
		return
	}
	defer e.cycleMu.Unlock()

	now := time.Now().UTC()

	rules := e.currentRules(ctx, now)
	if rules == nil {
		return
	}

	// One bulk query resolves the full enabled set; per-rule scopes filter
	// out of this snapshot for cascade checks.
	allDevices, err := e.st.DevicesForScope(ctx, store.ScopeFilter{})
	if err != nil {
		log.Error().Err(err).Msg("Evaluator: failed to load device snapshot")
		return
	}
	deviceSnapshot := make(map[device.ID]device.Device, len(allDevices))
	for _, d := range allDevices {
		deviceSnapshot[d.ID] = d
	}

	firing, err := e.st.FiringInstances(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Evaluator: failed to load firing instances")
		return
	}
	firingByKey := make(map[string]store.InstanceRow, len(firing))
	for _, inst := range firing {
		firingByKey[clockKey(inst.RuleID, inst.DeviceID)] = inst
	}

	for _, rule := range rules {
		if rule.Kind == PredOperational {
			continue // opened by workers, resolved here only via firing map
		}
		devices, err := e.st.DevicesForScope(ctx, rule.Scope)
		if err != nil {
			log.Error().Err(err).Str("rule", rule.Name).Msg("Evaluator: scope query failed")
			continue
		}
		for _, dev := range devices {
			e.evaluateOne(ctx, rule, dev, deviceSnapshot, firingByKey, now)
		}
	}
}

// currentRules returns the cached rule set, refreshing it when stale. A
// configuration error keeps the old set active.
func (e *Evaluator) currentRules(ctx context.Context, now time.Time) []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.rulesLoaded) < e.ruleRefresh && e.rules != nil {
		return e.rules
	}

	rows, err := e.st.EnabledRules(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Evaluator: failed to load rules")
		return e.rules
	}
	rules, err := ParseRules(rows)
	if err != nil {
		log.Error().Err(err).Msg("Evaluator: invalid rule configuration, keeping previous set")
		if e.rules == nil {
			return nil
		}
		return e.rules
	}

	edges, err := e.st.DependencyEdges(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Evaluator: failed to load dependency edges")
		return e.rules
	}
	deps, err := NewDependencyGraph(edges)
	if err != nil {
		log.Error().Err(err).Msg("Evaluator: invalid dependency graph, keeping previous set")
		return e.rules
	}

	e.rules = rules
	e.deps = deps
	e.rulesLoaded = now
	return e.rules
}

func clockKey(ruleID string, devID device.ID) string {
	return ruleID + "\x00" + string(devID)
}

func (e *Evaluator) evaluateOne(ctx context.Context, rule Rule, dev device.Device, snapshot map[device.ID]device.Device, firing map[string]store.InstanceRow, now time.Time) {
	key := clockKey(rule.ID, dev.ID)
	v := e.evaluate(ctx, rule, dev, now)

	switch v {
	case verdictUnknown:
		// Skip this cycle entirely: no opens, no resolves, clocks untouched.
		return

	case verdictTrue:
		delete(e.firstFalse, key)
		if _, exists := firing[key]; exists {
			return
		}
		since, ok := e.firstTrue[key]
		if !ok {
			e.firstTrue[key] = now
			since = now
		}
		if now.Sub(since) < rule.Confirmation {
			return
		}
		if e.suppressed(rule, dev, snapshot, now) {
			return
		}
		e.open(ctx, rule, dev, now)

	case verdictFalse:
		delete(e.firstTrue, key)
		inst, exists := firing[key]
		if !exists {
			return
		}
		since, ok := e.firstFalse[key]
		if !ok {
			e.firstFalse[key] = now
			since = now
		}
		// Hysteresis: the instance stays open for a grace period after the
		// predicate clears.
		if now.Sub(since) < rule.Hysteresis {
			return
		}
		if err := e.st.ResolveAlert(ctx, inst.ID, now); err != nil {
			log.Error().Err(err).Str("rule", rule.Name).Str("device_id", string(dev.ID)).Msg("Failed to resolve alert")
			return
		}
		delete(e.firstFalse, key)
		metrics.AlertsResolved.Inc()
		e.cache.OnAlertChange()
		log.Info().Str("rule", rule.Name).Str("device_id", string(dev.ID)).Msg("Alert resolved")
	}
}

// suppressed applies flap and cascade suppression to a would-be open.
// Existing instances are never suppressed, only new opens.
func (e *Evaluator) suppressed(rule Rule, dev device.Device, snapshot map[device.ID]device.Device, now time.Time) bool {
	if !rule.FlapExempt() &&
		dev.FlapState == device.FlapFlapping &&
		dev.FlapUntil != nil && dev.FlapUntil.After(now) {
		log.Debug().Str("rule", rule.Name).Str("device_id", string(dev.ID)).Msg("Open withheld, device is flapping")
		return true
	}
	if rule.DownPredicate() && e.deps != nil && e.deps.UpstreamDown(dev.ID, snapshot) {
		log.Debug().Str("rule", rule.Name).Str("device_id", string(dev.ID)).Msg("Open withheld, upstream is down")
		return true
	}
	return false
}

func (e *Evaluator) open(ctx context.Context, rule Rule, dev device.Device, now time.Time) {
	inst := store.InstanceRow{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		DeviceID:  dev.ID,
		OpenEpoch: now.Unix(),
		Severity:  rule.Severity,
		Status:    store.StatusFiring,
		OpenedAt:  now,
	}
	if err := e.st.OpenAlert(ctx, inst); err != nil {
		log.Error().Err(err).Str("rule", rule.Name).Str("device_id", string(dev.ID)).Msg("Failed to open alert")
		return
	}
	delete(e.firstTrue, clockKey(rule.ID, dev.ID))
	metrics.AlertsOpened.WithLabelValues(string(rule.Severity)).Inc()
	e.cache.OnAlertChange()
	log.Warn().
		Str("rule", rule.Name).
		Str("device_id", string(dev.ID)).
		Str("severity", string(rule.Severity)).
		Msg("Alert opened")
}

// evaluate computes the predicate verdict for one (rule, device).
func (e *Evaluator) evaluate(ctx context.Context, rule Rule, dev device.Device, now time.Time) verdict {
	switch rule.Kind {
	case PredIsDown:
		return boolVerdict(dev.DownSince != nil)

	case PredIsDownFor:
		return boolVerdict(dev.DownSince != nil && now.Sub(dev.DownSince.UTC()) >= rule.Tau())

	case PredAvgPacketLoss:
		return e.windowVerdict(ctx, store.MetricPingPacketLoss, dev, rule)

	case PredAvgRTT:
		return e.windowVerdict(ctx, store.MetricPingRTT, dev, rule)

	case PredStateChangesExceed:
		count := e.transitions.count(dev.ID, now, rule.Window())
		return boolVerdict(count >= rule.Params.Count)
	}
	return verdictFalse
}

func (e *Evaluator) windowVerdict(ctx context.Context, metric string, dev device.Device, rule Rule) verdict {
	mean, err := e.st.WindowAggregate(ctx, metric,
		map[string]string{"device_id": string(dev.ID)}, store.AggMean, rule.Window())
	if errors.Is(err, store.ErrNoSamples) {
		return verdictFalse
	}
	if err != nil {
		// TSDB down or slow: unknown, skipped for this cycle.
		return verdictUnknown
	}
	return boolVerdict(mean > rule.Params.Threshold)
}

func boolVerdict(b bool) verdict {
	if b {
		return verdictTrue
	}
	return verdictFalse
}

// transitionLog keeps recent transitions per device for the
// state_changes_exceed predicate, fed by the state machine's event stream.
type transitionLog struct {
	mu     sync.Mutex
	keep   time.Duration
	events map[device.ID][]time.Time
}

func newTransitionLog(keep time.Duration) *transitionLog {
	return &transitionLog{keep: keep, events: make(map[device.ID][]time.Time)}
}

func (l *transitionLog) record(tr device.Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := tr.At.Add(-l.keep)
	kept := l.events[tr.DeviceID][:0]
	for _, t := range l.events[tr.DeviceID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.events[tr.DeviceID] = append(kept, tr.At)
}

func (l *transitionLog) count(id device.ID, now time.Time, window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-window)
	n := 0
	for _, t := range l.events[id] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
