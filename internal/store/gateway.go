package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/cache"
	"github.com/kljama/netmon/internal/config"
	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/metrics"
)

// ReadCache is the slice of the read cache the gateway consults in front of
// the relational store. A nil cache disables read-through.
type ReadCache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
}

// Gateway mediates all writes and reads against the two stores. Current
// state lives in the relational store; time series in the TSDB. The TSDB
// write path is asynchronous so that metric persistence never blocks a
// relational commit, and is drained on shutdown so completed probes reach
// both stores. Hot reads go through the TTL cache; state transitions and
// alert events evict their entries ahead of expiry.
type Gateway struct {
	rel   *Relational
	tsdb  *TSDB
	cache ReadCache
	ttl   config.CacheConfig

	writes  chan []*write.Point
	wg      sync.WaitGroup
	closing atomic.Bool
}

// tsdbQueueDepth bounds buffered point batches. At reference scale one ICMP
// tick produces ~10 batches; 4096 absorbs minutes of TSDB outage.
const tsdbQueueDepth = 4096

// NewGateway wires the stores and starts the TSDB flushers.
func NewGateway(rel *Relational, tsdb *TSDB, rc ReadCache, ttl config.CacheConfig) *Gateway {
	g := &Gateway{
		rel:    rel,
		tsdb:   tsdb,
		cache:  rc,
		ttl:    ttl,
		writes: make(chan []*write.Point, tsdbQueueDepth),
	}
	for i := 0; i < 2; i++ {
		g.wg.Add(1)
		go g.flusher()
	}
	return g
}

func (g *Gateway) flusher() {
	defer g.wg.Done()
	for batch := range g.writes {
		// WritePoints owns retries and the drop counter.
		_ = g.tsdb.WritePoints(context.Background(), batch)
	}
}

// enqueue hands a point batch to the flushers without blocking the caller.
// A full queue drops the batch and counts it; a closed gateway writes
// synchronously so shutdown flushes never race the channel close.
func (g *Gateway) enqueue(batch []*write.Point) {
	if len(batch) == 0 {
		return
	}
	if g.closing.Load() {
		_ = g.tsdb.WritePoints(context.Background(), batch)
		return
	}
	select {
	case g.writes <- batch:
	default:
		metrics.TSDBWriteDrops.Add(float64(len(batch)))
		log.Warn().Int("points", len(batch)).Msg("TSDB write queue full, dropping batch")
	}
}

// Close stops accepting asynchronous writes and drains the queue. Called
// during shutdown after the worker pools have drained.
func (g *Gateway) Close() {
	if g.closing.Swap(true) {
		return
	}
	close(g.writes)
	g.wg.Wait()
}

// WriteProbe records one probe result: the relational commit first (one
// short transaction updating latest_ping and, on a flip, the device row),
// then the five ping metrics to the TSDB without blocking. Returns the
// transition, if the probe caused one, and whether it was applied (stale
// out-of-order probes are not).
func (g *Gateway) WriteProbe(ctx context.Context, res device.ProbeResult, dev device.Device) (device.Transition, bool, error) {
	tr, applied, err := g.rel.ApplyProbe(ctx, res)
	if err != nil {
		return device.Transition{}, false, err
	}
	g.enqueue(ProbePoints(res, dev))
	if tr != (device.Transition{}) {
		tr.ISPLink = dev.IsISPLink()
		return tr, applied, nil
	}
	return tr, applied, nil
}

// WriteInterfaceSample records one interface collection pass: oper status to
// the relational interface row, counters and status to the TSDB.
func (g *Gateway) WriteInterfaceSample(ctx context.Context, dev device.Device, iface device.Interface, values map[string]float64, at time.Time) error {
	if err := g.rel.UpdateInterfaceOperStatus(ctx, dev.ID, iface.IfIndex, iface.OperStatus); err != nil {
		return err
	}
	g.enqueue(InterfacePoints(dev, iface, values, at))
	return nil
}

// cachedLoad consults the read cache before the loader and populates it on a
// miss. Errors are never cached; the next read retries the loader.
func cachedLoad[T any](rc ReadCache, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	if rc != nil {
		if v, ok := rc.Get(key); ok {
			if t, ok := v.(T); ok {
				return t, nil
			}
		}
	}
	t, err := load()
	if err == nil && rc != nil {
		rc.Set(key, t, ttl)
	}
	return t, err
}

// Relational-only operations. Reads go through the cache; writes and
// single-row lookups do not.

func (g *Gateway) LatestState(ctx context.Context, id device.ID) (LatestState, error) {
	return g.rel.LatestStateOf(ctx, id)
}

// LatestStateBulk reads through the per-device cache: fresh entries are
// served directly and only the misses reach the relational store. State
// transitions evict their device's entry, so a cached row is never staler
// than the last applied probe.
func (g *Gateway) LatestStateBulk(ctx context.Context, ids []device.ID) (map[device.ID]LatestState, error) {
	if g.cache == nil {
		return g.rel.LatestStateBulk(ctx, ids)
	}
	out := make(map[device.ID]LatestState, len(ids))
	var misses []device.ID
	for _, id := range ids {
		if v, ok := g.cache.Get(cache.DeviceKey(id)); ok {
			if s, ok := v.(LatestState); ok {
				out[id] = s
				continue
			}
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out, nil
	}
	fetched, err := g.rel.LatestStateBulk(ctx, misses)
	if err != nil {
		return nil, err
	}
	ttl := g.ttl.DeviceDetailTTL()
	for id, s := range fetched {
		g.cache.Set(cache.DeviceKey(id), s, ttl)
		out[id] = s
	}
	return out, nil
}

// EnabledDevices serves the enabled inventory list through the cache.
func (g *Gateway) EnabledDevices(ctx context.Context) ([]device.Device, error) {
	return cachedLoad(g.cache, cache.DeviceListKey("enabled"), g.ttl.DeviceListTTL(), func() ([]device.Device, error) {
		return g.rel.EnabledDevices(ctx)
	})
}

// CriticalInterfaces serves the ISP/critical interface snapshot through the
// cache.
func (g *Gateway) CriticalInterfaces(ctx context.Context) ([]device.Interface, error) {
	return cachedLoad(g.cache, cache.ISPStatusKey(), g.ttl.InterfaceTTL(), func() ([]device.Interface, error) {
		return g.rel.CriticalInterfaces(ctx)
	})
}

func (g *Gateway) LatestPingByIPs(ctx context.Context, ips []string) (map[string]LatestState, error) {
	return g.rel.LatestPingByIPs(ctx, ips)
}

func (g *Gateway) UpdateFlapState(ctx context.Context, id device.ID, fs device.FlapState, until *time.Time) error {
	return g.rel.UpdateFlapState(ctx, id, fs, until)
}

// Alert events are relational only.

func (g *Gateway) OpenAlert(ctx context.Context, inst InstanceRow) error {
	return g.rel.OpenInstance(ctx, inst)
}

func (g *Gateway) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	return g.rel.ResolveInstance(ctx, id, at)
}

// Evaluator reads (relational only).

// EnabledRules serves the rule list through the cache; alert open and
// resolve events evict it so trigger statistics stay current.
func (g *Gateway) EnabledRules(ctx context.Context) ([]RuleRow, error) {
	return cachedLoad(g.cache, cache.RuleListKey(), g.ttl.RuleListTTL(), func() ([]RuleRow, error) {
		return g.rel.EnabledRules(ctx)
	})
}

// DevicesForScope serves scope resolutions through the cache, keyed per
// filter; transitions evict every list slice.
func (g *Gateway) DevicesForScope(ctx context.Context, scope ScopeFilter) ([]device.Device, error) {
	return cachedLoad(g.cache, cache.DeviceListKey(scope.CacheKey()), g.ttl.DeviceListTTL(), func() ([]device.Device, error) {
		return g.rel.DevicesForScope(ctx, scope)
	})
}

func (g *Gateway) FiringInstances(ctx context.Context) ([]InstanceRow, error) {
	return g.rel.FiringInstances(ctx)
}

func (g *Gateway) DependencyEdges(ctx context.Context) (map[device.ID][]device.ID, error) {
	return g.rel.DependencyEdges(ctx)
}

// TSDB-only operations.

func (g *Gateway) WindowAggregate(ctx context.Context, metric string, labels map[string]string, fn AggregateFunc, rng time.Duration) (float64, error) {
	return g.tsdb.WindowAggregate(ctx, metric, labels, fn, rng)
}

func (g *Gateway) History(ctx context.Context, id device.ID, metric string, from, to time.Time, step time.Duration, limit int) ([]Sample, error) {
	return g.tsdb.History(ctx, id, metric, from, to, step, limit)
}
