package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kljama/netmon/internal/alert"
	"github.com/kljama/netmon/internal/cache"
	"github.com/kljama/netmon/internal/creds"
	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/probe"
	"github.com/kljama/netmon/internal/state"
	"github.com/kljama/netmon/internal/store"
)

// probeConcurrency bounds in-flight probes within one batch task so a batch
// of 500 does not open 500 sockets at once.
const probeConcurrency = 32

// Executor holds the task bodies the scheduler enqueues. Every batch task
// follows the same shape: read the device slice from the relational store,
// release the connection, probe over the network, then publish results
// through the gateway. No store session ever spans a network call.
type Executor struct {
	rel     *store.Relational
	gw      *store.Gateway
	machine *state.Machine
	eval    *alert.Evaluator
	ops     *alert.Ops
	cache   *cache.Cache

	pinger probe.Pinger
	snmp   probe.SNMPProber
	creds  *creds.Store
	clock  *device.ResultClock

	limiter *rate.Limiter // global probe launch rate
	tsdb    *store.TSDB

	alertRetention time.Duration
}

type ExecutorDeps struct {
	Rel     *store.Relational
	Gateway *store.Gateway
	Machine *state.Machine
	Eval    *alert.Evaluator
	Ops     *alert.Ops
	Cache   *cache.Cache
	Pinger  probe.Pinger
	SNMP    probe.SNMPProber
	Creds   *creds.Store
	Clock   *device.ResultClock
	TSDB    *store.TSDB

	ProbesPerSecond int
	AlertRetention  time.Duration
}

func NewExecutor(d ExecutorDeps) *Executor {
	pps := d.ProbesPerSecond
	if pps <= 0 {
		pps = 200
	}
	return &Executor{
		rel:            d.Rel,
		gw:             d.Gateway,
		machine:        d.Machine,
		eval:           d.Eval,
		ops:            d.Ops,
		cache:          d.Cache,
		pinger:         d.Pinger,
		snmp:           d.SNMP,
		creds:          d.Creds,
		clock:          d.Clock,
		tsdb:           d.TSDB,
		limiter:        rate.NewLimiter(rate.Limit(pps), pps),
		alertRetention: d.AlertRetention,
	}
}

// ICMPBatch probes one planned batch of devices.
func (e *Executor) ICMPBatch(ctx context.Context, ids []device.ID) error {
	devs, err := e.rel.DevicesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load batch devices: %w", err)
	}

	sem := semaphore.NewWeighted(probeConcurrency)
	for _, d := range devs {
		if !d.WantsICMP() {
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(d device.Device) {
			defer sem.Release(1)
			res := e.pinger.Ping(ctx, d)
			if err := e.machine.Apply(ctx, res, d); err != nil {
				log.Error().Err(err).Str("device_id", string(d.ID)).Msg("Failed to apply ICMP result")
			}
		}(d)
	}
	// Wait for the whole batch before reporting completion.
	return sem.Acquire(ctx, probeConcurrency)
}

// SNMPBatch polls one planned batch of SNMP-capable devices.
func (e *Executor) SNMPBatch(ctx context.Context, ids []device.ID) error {
	devs, err := e.rel.DevicesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load batch devices: %w", err)
	}

	sem := semaphore.NewWeighted(probeConcurrency)
	for _, d := range devs {
		if !d.WantsSNMP() || e.ops.Suspended(d.ID) {
			continue
		}
		cred, err := e.creds.ForProfile(d.SNMPProfileID)
		if err != nil {
			// Tampered or missing credential: fail closed, probe nothing.
			log.Error().Err(err).Str("device_id", string(d.ID)).Msg("Credential unavailable, skipping SNMP poll")
			ts, seq := e.clock.Next(d.ID)
			res := device.NewFailureResult(d, device.ProbeSNMP, ts, seq, device.ReasonAuthFailed)
			if err := e.machine.Apply(ctx, res, d); err != nil {
				log.Error().Err(err).Str("device_id", string(d.ID)).Msg("Failed to apply SNMP result")
			}
			e.ops.ReportFailure(ctx, d, device.ReasonAuthFailed)
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(d device.Device, cred creds.Decrypted) {
			defer sem.Release(1)
			res := e.snmp.Poll(ctx, d, cred)
			if err := e.machine.Apply(ctx, res, d); err != nil {
				log.Error().Err(err).Str("device_id", string(d.ID)).Msg("Failed to apply SNMP result")
			}
			if device.PersistentReason(res.Reason) {
				e.ops.ReportFailure(ctx, d, res.Reason)
			} else if res.Reachable {
				e.ops.ReportSuccess(ctx, d)
			}
		}(d, cred)
	}
	return sem.Acquire(ctx, probeConcurrency)
}

// InterfaceMetrics collects IF-MIB counters for every device that has
// critical interfaces, writing each sample through the gateway.
func (e *Executor) InterfaceMetrics(ctx context.Context) error {
	ifaces, err := e.gw.CriticalInterfaces(ctx)
	if err != nil {
		return fmt.Errorf("load critical interfaces: %w", err)
	}
	byDevice := make(map[device.ID][]device.Interface)
	for _, i := range ifaces {
		byDevice[i.DeviceID] = append(byDevice[i.DeviceID], i)
	}
	ids := make([]device.ID, 0, len(byDevice))
	for id := range byDevice {
		ids = append(ids, id)
	}
	devs, err := e.rel.DevicesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load interface devices: %w", err)
	}

	for _, d := range devs {
		if !d.WantsSNMP() || !d.IsUp() || e.ops.Suspended(d.ID) {
			continue
		}
		cred, err := e.creds.ForProfile(d.SNMPProfileID)
		if err != nil {
			log.Error().Err(err).Str("device_id", string(d.ID)).Msg("Credential unavailable, skipping interface collection")
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		samples, err := e.snmp.CollectInterfaces(ctx, d, cred)
		if err != nil {
			log.Warn().Err(err).Str("device_id", string(d.ID)).Msg("Interface collection failed")
			continue
		}
		at := time.Now().UTC()
		known := make(map[int]device.Interface, len(byDevice[d.ID]))
		for _, i := range byDevice[d.ID] {
			known[i.IfIndex] = i
		}
		for _, s := range samples {
			iface, ok := known[s.IfIndex]
			if !ok {
				continue // undiscovered index, picked up by the next discovery
			}
			iface.OperStatus = s.OperStatus
			values := map[string]float64{
				store.MetricIfOperStatus:  float64(s.OperStatus),
				store.MetricIfHCInOctets:  float64(s.HCInOctets),
				store.MetricIfHCOutOctets: float64(s.HCOutOctets),
				store.MetricIfInErrors:    float64(s.InErrors),
				store.MetricIfOutErrors:   float64(s.OutErrors),
				store.MetricIfInDiscards:  float64(s.InDiscards),
				store.MetricIfOutDiscards: float64(s.OutDiscards),
			}
			if err := e.gw.WriteInterfaceSample(ctx, d, iface, values, at); err != nil {
				log.Error().Err(err).Str("device_id", string(d.ID)).Int("if_index", s.IfIndex).Msg("Failed to write interface sample")
			}
		}
	}
	return nil
}

// InterfaceDiscovery walks the full interface table of every SNMP device and
// refreshes the inventory, including port classification.
func (e *Executor) InterfaceDiscovery(ctx context.Context) error {
	devs, err := e.gw.EnabledDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	for _, d := range devs {
		if !d.WantsSNMP() || !d.IsUp() || e.ops.Suspended(d.ID) {
			continue
		}
		cred, err := e.creds.ForProfile(d.SNMPProfileID)
		if err != nil {
			log.Error().Err(err).Str("device_id", string(d.ID)).Msg("Credential unavailable, skipping discovery")
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		ifaces, err := e.snmp.DiscoverInterfaces(ctx, d, cred)
		if err != nil {
			log.Warn().Err(err).Str("device_id", string(d.ID)).Msg("Interface discovery failed")
			continue
		}
		if err := e.rel.UpsertInterfaces(ctx, ifaces); err != nil {
			log.Error().Err(err).Str("device_id", string(d.ID)).Msg("Failed to persist discovered interfaces")
			continue
		}
		log.Debug().Str("device_id", string(d.ID)).Int("interfaces", len(ifaces)).Msg("Interfaces discovered")
	}
	return nil
}

// EvaluateAlerts runs one evaluator cycle.
func (e *Executor) EvaluateAlerts(ctx context.Context) error {
	e.eval.RunCycle(ctx)
	return nil
}

// Cleanup is the daily maintenance sweep: resolved alert history past
// retention, the daily trigger counters, and a credential cache refresh.
func (e *Executor) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-e.alertRetention)
	removed, err := e.rel.SweepAlertHistory(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweep alert history: %w", err)
	}
	if err := e.rel.ResetDailyCounters(ctx); err != nil {
		return fmt.Errorf("reset daily counters: %w", err)
	}
	if time.Now().UTC().Weekday() == time.Monday {
		if err := e.rel.ResetWeeklyCounters(ctx); err != nil {
			return fmt.Errorf("reset weekly counters: %w", err)
		}
	}
	if err := e.creds.Reload(ctx); err != nil {
		log.Error().Err(err).Msg("Credential reload failed, keeping cached set")
	}
	log.Info().Int64("alerts_removed", removed).Msg("Cleanup sweep completed")
	return nil
}

// HealthSelfCheck verifies both stores respond and trims in-memory windows.
func (e *Executor) HealthSelfCheck(ctx context.Context) error {
	if err := e.rel.Ping(ctx); err != nil {
		return fmt.Errorf("relational store unhealthy: %w", err)
	}
	if err := e.tsdb.HealthCheck(ctx); err != nil {
		// TSDB outage is degraded, not fatal; the gateway buffers and the
		// evaluator returns unknown verdicts meanwhile.
		log.Warn().Err(err).Msg("TSDB health check failed")
	}
	e.machine.PruneFlapWindows()
	pruned := e.cache.Prune()
	log.Debug().Int("cache_pruned", pruned).Msg("Health self-check completed")
	return nil
}
