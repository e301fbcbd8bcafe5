package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/config"
	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/metrics"
)

// ErrTSDBUnavailable marks time-series reads that failed for infrastructure
// reasons. The alert evaluator treats affected windowed predicates as
// unknown, never as false positives.
var ErrTSDBUnavailable = errors.New("tsdb unavailable")

// ErrNoSamples is returned by window aggregates over an empty range.
var ErrNoSamples = errors.New("no samples in window")

// Metric names written per probe and per interface collection.
const (
	MetricPingStatus     = "device_ping_status"
	MetricPingRTT        = "device_ping_rtt_ms"
	MetricPingRTTMin     = "device_ping_rtt_min_ms"
	MetricPingRTTMax     = "device_ping_rtt_max_ms"
	MetricPingPacketLoss = "device_ping_packet_loss"

	MetricIfOperStatus  = "interface_oper_status"
	MetricIfHCInOctets  = "interface_if_hc_in_octets"
	MetricIfHCOutOctets = "interface_if_hc_out_octets"
	MetricIfInErrors    = "interface_if_in_errors"
	MetricIfOutErrors   = "interface_if_out_errors"
	MetricIfInDiscards  = "interface_if_in_discards"
	MetricIfOutDiscards = "interface_if_out_discards"
)

// TSDB wraps the InfluxDB v2 client. Samples are append-only and idempotent:
// rewriting the same (measurement, tags, timestamp) replaces the point rather
// than duplicating it.
type TSDB struct {
	client       influxdb2.Client
	writeAPI     api.WriteAPIBlocking
	queryAPI     api.QueryAPI
	bucket       string
	writeTimeout time.Duration
	queryTimeout time.Duration
}

// NewTSDB creates the client. The HTTP timeout caps every outbound call.
func NewTSDB(cfg config.TSDBConfig) *TSDB {
	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(10) // seconds
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	return &TSDB{
		client:       client,
		writeAPI:     client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI:     client.QueryAPI(cfg.Org),
		bucket:       cfg.Bucket,
		writeTimeout: cfg.WriteTimeout(),
		queryTimeout: cfg.QueryTimeout(),
	}
}

func (t *TSDB) Close() { t.client.Close() }

// HealthCheck reports server reachability.
func (t *TSDB) HealthCheck(ctx context.Context) error {
	ok, err := t.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTSDBUnavailable
	}
	return nil
}

// deviceTags builds the label set for per-device metrics.
func deviceTags(dev device.Device) map[string]string {
	tags := map[string]string{
		"device_id":   string(dev.ID),
		"device_ip":   dev.IP,
		"device_name": dev.Name,
	}
	if dev.Branch != "" {
		tags["branch"] = dev.Branch
	}
	if dev.Region != "" {
		tags["region"] = dev.Region
	}
	if dev.DeviceType != "" {
		tags["device_type"] = dev.DeviceType
	}
	return tags
}

// ProbePoints converts one probe result into its five ping metrics.
func ProbePoints(res device.ProbeResult, dev device.Device) []*write.Point {
	tags := deviceTags(dev)
	status := 0.0
	if res.Reachable {
		status = 1.0
	}
	points := []*write.Point{
		newPoint(MetricPingStatus, tags, status, res.Timestamp),
		newPoint(MetricPingPacketLoss, tags, res.PacketLoss, res.Timestamp),
	}
	if res.RTTAvgMs != nil {
		points = append(points, newPoint(MetricPingRTT, tags, *res.RTTAvgMs, res.Timestamp))
	}
	if res.RTTMinMs != nil {
		points = append(points, newPoint(MetricPingRTTMin, tags, *res.RTTMinMs, res.Timestamp))
	}
	if res.RTTMaxMs != nil {
		points = append(points, newPoint(MetricPingRTTMax, tags, *res.RTTMaxMs, res.Timestamp))
	}
	return points
}

// InterfacePoints converts one interface collection pass into its counter
// and status metrics.
func InterfacePoints(dev device.Device, iface device.Interface, values map[string]float64, at time.Time) []*write.Point {
	tags := deviceTags(dev)
	tags["if_index"] = strconv.Itoa(iface.IfIndex)
	if iface.IfName != "" {
		tags["if_name"] = iface.IfName
	}
	if iface.ISPProvider != "" {
		tags["isp_provider"] = iface.ISPProvider
	}
	points := make([]*write.Point, 0, len(values))
	for metric, v := range values {
		points = append(points, newPoint(metric, tags, v, at))
	}
	return points
}

func newPoint(metric string, tags map[string]string, value float64, at time.Time) *write.Point {
	p := influxdb2.NewPointWithMeasurement(metric)
	for k, v := range tags {
		p.AddTag(k, v)
	}
	p.AddField("value", value)
	p.SetTime(at.UTC())
	return p
}

// WritePoints writes a batch of points with up to three bounded attempts.
// After the third failure the batch is dropped and the diagnostic counter is
// incremented; metric loss never blocks the relational path.
func (t *TSDB) WritePoints(ctx context.Context, points []*write.Point) error {
	if len(points) == 0 {
		return nil
	}
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
			}
			if ctx.Err() != nil {
				break
			}
			backoff *= 2
		}
		wctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
		lastErr = t.writeAPI.WritePoint(wctx, points...)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	metrics.TSDBWriteDrops.Add(float64(len(points)))
	log.Warn().Err(lastErr).Int("points", len(points)).Msg("Dropping time-series points after retries")
	return fmt.Errorf("%w: %v", ErrTSDBUnavailable, lastErr)
}

// AggregateFunc is the closed set of window aggregation functions.
type AggregateFunc string

const (
	AggMean  AggregateFunc = "mean"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
	AggCount AggregateFunc = "count"
	AggSum   AggregateFunc = "sum"
)

// fluxFilter renders the tag filters. Tag keys come from the fixed label set
// and values are escaped, keeping the query surface closed.
func fluxFilter(metric string, labels map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `r._measurement == %q`, metric)
	for k, v := range labels {
		fmt.Fprintf(&b, ` and r.%s == %q`, k, v)
	}
	return b.String()
}

// WindowAggregate computes fn over the metric's samples in the trailing
// range. Every query is capped at the configured query timeout (2 s default);
// infrastructure failures map to ErrTSDBUnavailable.
func (t *TSDB) WindowAggregate(ctx context.Context, metric string, labels map[string]string, fn AggregateFunc, rng time.Duration) (float64, error) {
	qctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%s)
		|> filter(fn: (r) => %s)
		|> filter(fn: (r) => r._field == "value")
		|> %s()`,
		t.bucket, rng.Round(time.Second).String(), fluxFilter(metric, labels), fn)

	result, err := t.queryAPI.Query(qctx, query)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTSDBUnavailable, err)
	}
	defer result.Close()

	for result.Next() {
		if v, ok := result.Record().Value().(float64); ok {
			return v, nil
		}
		if v, ok := result.Record().Value().(int64); ok {
			return float64(v), nil
		}
	}
	if result.Err() != nil {
		return 0, fmt.Errorf("%w: %v", ErrTSDBUnavailable, result.Err())
	}
	return 0, ErrNoSamples
}

// Sample is one point returned by History.
type Sample struct {
	Time  device.UTCTime `json:"time"`
	Value float64        `json:"value"`
}

// History returns the metric's samples for one device between from and to,
// downsampled to step and capped at limit points.
func (t *TSDB) History(ctx context.Context, id device.ID, metric string, from, to time.Time, step time.Duration, limit int) ([]Sample, error) {
	qctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: %s, stop: %s)
		|> filter(fn: (r) => r._measurement == %q and r.device_id == %q)
		|> filter(fn: (r) => r._field == "value")
		|> aggregateWindow(every: %s, fn: mean, createEmpty: false)
		|> limit(n: %d)`,
		t.bucket, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
		metric, string(id), step.Round(time.Second).String(), limit)

	result, err := t.queryAPI.Query(qctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTSDBUnavailable, err)
	}
	defer result.Close()

	var out []Sample
	for result.Next() {
		rec := result.Record()
		v, ok := rec.Value().(float64)
		if !ok {
			continue
		}
		out = append(out, Sample{Time: device.NewUTCTime(rec.Time()), Value: v})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrTSDBUnavailable, result.Err())
	}
	return out, nil
}
