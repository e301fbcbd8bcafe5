package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/store"
)

type mockStore struct {
	mu      sync.Mutex
	rules   []store.RuleRow
	devices []device.Device
	firing  []store.InstanceRow
	edges   map[device.ID][]device.ID

	aggVal float64
	aggErr error

	opened   []store.InstanceRow
	resolved []string
}

func (m *mockStore) EnabledRules(ctx context.Context) ([]store.RuleRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules, nil
}

func (m *mockStore) DevicesForScope(ctx context.Context, scope store.ScopeFilter) ([]device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices, nil
}

func (m *mockStore) FiringInstances(ctx context.Context) ([]store.InstanceRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firing, nil
}

func (m *mockStore) OpenAlert(ctx context.Context, inst store.InstanceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, inst)
	m.firing = append(m.firing, inst)
	return nil
}

func (m *mockStore) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, id)
	return nil
}

func (m *mockStore) WindowAggregate(ctx context.Context, metric string, labels map[string]string, fn store.AggregateFunc, rng time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggVal, m.aggErr
}

func (m *mockStore) DependencyEdges(ctx context.Context) (map[device.ID][]device.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edges, nil
}

func (m *mockStore) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.opened)
}

func (m *mockStore) resolvedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resolved)
}

type noopInvalidator struct{}

func (noopInvalidator) OnAlertChange() {}

func downRule(confirmationSec, hysteresisSec int) store.RuleRow {
	return store.RuleRow{
		ID:              "rule-down",
		Name:            "device-down",
		Severity:        store.SeverityHigh,
		PredicateKind:   "is_down",
		ConfirmationSec: confirmationSec,
		HysteresisSec:   hysteresisSec,
		Enabled:         true,
	}
}

func newTestEvaluator(st *mockStore) *Evaluator {
	return NewEvaluator(st, noopInvalidator{}, make(chan device.Transition), 0)
}

func TestDownDeviceOpensAlert(t *testing.T) {
	down := time.Now().UTC().Add(-time.Minute)
	st := &mockStore{
		rules:   []store.RuleRow{downRule(0, 0)},
		devices: []device.Device{{ID: "dev-1", IP: "10.0.0.10", DownSince: &down, FlapState: device.FlapStable}},
	}
	e := newTestEvaluator(st)
	e.RunCycle(context.Background())

	require.Equal(t, 1, st.openCount())
	inst := st.opened[0]
	assert.Equal(t, "rule-down", inst.RuleID)
	assert.Equal(t, device.ID("dev-1"), inst.DeviceID)
	assert.Equal(t, store.SeverityHigh, inst.Severity)
	assert.NotZero(t, inst.OpenEpoch)
}

func TestConfirmationDelaysOpen(t *testing.T) {
	down := time.Now().UTC()
	st := &mockStore{
		rules:   []store.RuleRow{downRule(3600, 0)},
		devices: []device.Device{{ID: "dev-1", DownSince: &down, FlapState: device.FlapStable}},
	}
	e := newTestEvaluator(st)
	e.RunCycle(context.Background())
	e.RunCycle(context.Background())

	assert.Zero(t, st.openCount(), "predicate must hold for the confirmation window before opening")
}

func TestAlreadyFiringDoesNotReopen(t *testing.T) {
	down := time.Now().UTC()
	st := &mockStore{
		rules:   []store.RuleRow{downRule(0, 0)},
		devices: []device.Device{{ID: "dev-1", DownSince: &down, FlapState: device.FlapStable}},
	}
	e := newTestEvaluator(st)
	e.RunCycle(context.Background())
	e.RunCycle(context.Background())
	e.RunCycle(context.Background())

	assert.Equal(t, 1, st.openCount(), "one instance per (rule, device) while firing")
}

func TestRecoveryResolvesAfterHysteresis(t *testing.T) {
	st := &mockStore{
		rules:   []store.RuleRow{downRule(0, 0)},
		devices: []device.Device{{ID: "dev-1", FlapState: device.FlapStable}},
		firing: []store.InstanceRow{{
			ID: "inst-1", RuleID: "rule-down", DeviceID: "dev-1",
			Status: store.StatusFiring, OpenedAt: time.Now().UTC().Add(-time.Hour),
		}},
	}
	e := newTestEvaluator(st)
	e.RunCycle(context.Background())

	require.Equal(t, 1, st.resolvedCount())
	assert.Equal(t, "inst-1", st.resolved[0])
}

func TestHysteresisHoldsInstanceOpen(t *testing.T) {
	st := &mockStore{
		rules:   []store.RuleRow{downRule(0, 3600)},
		devices: []device.Device{{ID: "dev-1", FlapState: device.FlapStable}},
		firing: []store.InstanceRow{{
			ID: "inst-1", RuleID: "rule-down", DeviceID: "dev-1", Status: store.StatusFiring,
		}},
	}
	e := newTestEvaluator(st)
	e.RunCycle(context.Background())
	e.RunCycle(context.Background())

	assert.Zero(t, st.resolvedCount(), "instance stays open through the hysteresis window")
}

func TestTSDBOutageSkipsCycleForWindowedRules(t *testing.T) {
	row := downRule(0, 0)
	row.ID = "rule-loss"
	row.Name = "high-loss"
	row.PredicateKind = "avg_packet_loss_exceeds"
	row.Params = []byte(`{"threshold": 5, "window_sec": 600}`)

	st := &mockStore{
		rules:   []store.RuleRow{row},
		devices: []device.Device{{ID: "dev-1", FlapState: device.FlapStable}},
		aggErr:  store.ErrTSDBUnavailable,
		firing: []store.InstanceRow{{
			ID: "inst-1", RuleID: "rule-loss", DeviceID: "dev-1", Status: store.StatusFiring,
		}},
	}
	e := newTestEvaluator(st)
	e.RunCycle(context.Background())

	assert.Zero(t, st.openCount(), "unknown verdict must not open")
	assert.Zero(t, st.resolvedCount(), "unknown verdict must not resolve")
}

func TestNoSamplesIsFalseNotUnknown(t *testing.T) {
	row := downRule(0, 0)
	row.ID = "rule-loss"
	row.Name = "high-loss"
	row.PredicateKind = "avg_packet_loss_exceeds"
	row.Params = []byte(`{"threshold": 5, "window_sec": 600}`)

	st := &mockStore{
		rules:   []store.RuleRow{row},
		devices: []device.Device{{ID: "dev-1", FlapState: device.FlapStable}},
		aggErr:  store.ErrNoSamples,
		firing: []store.InstanceRow{{
			ID: "inst-1", RuleID: "rule-loss", DeviceID: "dev-1", Status: store.StatusFiring,
		}},
	}
	e := newTestEvaluator(st)
	e.RunCycle(context.Background())

	assert.Equal(t, 1, st.resolvedCount(), "an empty window is a false verdict and resolves")
}

func TestFlapSuppressionWithholdsNewOpens(t *testing.T) {
	down := time.Now().UTC()
	until := time.Now().UTC().Add(5 * time.Minute)
	st := &mockStore{
		rules: []store.RuleRow{downRule(0, 0)},
		devices: []device.Device{{
			ID: "dev-1", DownSince: &down,
			FlapState: device.FlapFlapping, FlapUntil: &until,
		}},
	}
	e := newTestEvaluator(st)
	e.RunCycle(context.Background())

	assert.Zero(t, st.openCount(), "flapping devices must not open new down alerts")
}

func TestCascadeSuppressionWithholdsDownstream(t *testing.T) {
	down := time.Now().UTC()
	st := &mockStore{
		rules: []store.RuleRow{downRule(0, 0)},
		devices: []device.Device{
			{ID: "router-1", DownSince: &down, FlapState: device.FlapStable},
			{ID: "switch-1", DownSince: &down, FlapState: device.FlapStable},
		},
		edges: map[device.ID][]device.ID{"switch-1": {"router-1"}},
	}
	e := newTestEvaluator(st)
	e.RunCycle(context.Background())

	require.Equal(t, 1, st.openCount(), "only the upstream device should alert")
	assert.Equal(t, device.ID("router-1"), st.opened[0].DeviceID)
}

func TestIsDownForUsesDownSinceOnly(t *testing.T) {
	row := downRule(0, 0)
	row.ID = "rule-downfor"
	row.Name = "down-5m"
	row.PredicateKind = "is_down_for"
	row.Params = []byte(`{"tau_sec": 300}`)

	recent := time.Now().UTC().Add(-time.Minute)
	old := time.Now().UTC().Add(-10 * time.Minute)
	st := &mockStore{
		rules: []store.RuleRow{row},
		devices: []device.Device{
			{ID: "recent", DownSince: &recent, FlapState: device.FlapStable},
			{ID: "old", DownSince: &old, FlapState: device.FlapStable},
		},
		// A TSDB outage must not matter for down predicates.
		aggErr: store.ErrTSDBUnavailable,
	}
	e := newTestEvaluator(st)
	e.RunCycle(context.Background())

	require.Equal(t, 1, st.openCount())
	assert.Equal(t, device.ID("old"), st.opened[0].DeviceID)
}

func TestOperationalRulesSkippedByCycle(t *testing.T) {
	row := store.RuleRow{
		ID: "builtin", Name: OpsRuleName, Severity: store.SeverityLow,
		PredicateKind: "operational", Enabled: true,
	}
	down := time.Now().UTC()
	st := &mockStore{
		rules:   []store.RuleRow{row},
		devices: []device.Device{{ID: "dev-1", DownSince: &down, FlapState: device.FlapStable}},
	}
	e := newTestEvaluator(st)
	e.RunCycle(context.Background())

	assert.Zero(t, st.openCount(), "operational instances are opened by workers, not the cycle")
}
