// Package state owns the authoritative up/down state of every device. The
// machine is the sole writer of down_since and flap_state: workers hand it
// probe results, it applies them through the store gateway, classifies
// flapping, invalidates the read cache, and publishes transition events to
// the alert evaluator.
package state

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/metrics"
)

// Gateway is the slice of the store gateway the machine writes through.
type Gateway interface {
	WriteProbe(ctx context.Context, res device.ProbeResult, dev device.Device) (device.Transition, bool, error)
	UpdateFlapState(ctx context.Context, id device.ID, fs device.FlapState, until *time.Time) error
}

// Invalidator evicts read-cache entries on transitions.
type Invalidator interface {
	OnTransition(id device.ID)
}

// Config carries the flap thresholds.
type Config struct {
	Window         time.Duration // transition counting window
	Transitions    int           // K for regular devices
	ISPTransitions int           // K for ISP links
	Hold           time.Duration // how long flap_state stays flapping
}

// Machine applies probe results and detects transitions and flapping.
type Machine struct {
	gw    Gateway
	cache Invalidator
	cfg   Config
	flaps *flapTracker

	events chan device.Transition
}

// eventBuffer bounds the transition channel. The evaluator drains every 10 s;
// a full buffer indicates it is wedged and transitions are counted, not lost
// silently.
const eventBuffer = 1024

func NewMachine(gw Gateway, cache Invalidator, cfg Config) *Machine {
	return &Machine{
		gw:     gw,
		cache:  cache,
		cfg:    cfg,
		flaps:  newFlapTracker(cfg.Window),
		events: make(chan device.Transition, eventBuffer),
	}
}

// Events is the ordered-per-device stream of transitions for the evaluator.
func (m *Machine) Events() <-chan device.Transition { return m.events }

// Apply records one probe result. Out-of-order probes (older than the
// device's last applied probe) are ignored by the store guard; transitions
// trigger flap accounting, cache invalidation, and an event.
func (m *Machine) Apply(ctx context.Context, res device.ProbeResult, dev device.Device) error {
	tr, applied, err := m.gw.WriteProbe(ctx, res, dev)
	if err != nil {
		return err
	}
	if !applied {
		log.Debug().
			Str("device_id", string(res.DeviceID)).
			Time("probe_at", res.Timestamp).
			Msg("Stale probe ignored")
		return nil
	}

	// Lazily return an expired flap window to stable.
	if dev.FlapState == device.FlapFlapping && dev.FlapUntil != nil && time.Now().After(*dev.FlapUntil) {
		if err := m.gw.UpdateFlapState(ctx, dev.ID, device.FlapStable, nil); err != nil {
			log.Error().Err(err).Str("device_id", string(dev.ID)).Msg("Failed to clear flap state")
		}
	}

	if tr == (device.Transition{}) {
		return nil
	}

	metrics.StateTransitions.WithLabelValues(string(tr.Direction)).Inc()
	if tr.Direction == device.Recovered {
		log.Info().
			Str("device_id", string(tr.DeviceID)).
			Str("ip", tr.DeviceIP).
			Dur("downtime", tr.Duration).
			Msg("Device recovered")
	} else {
		log.Warn().
			Str("device_id", string(tr.DeviceID)).
			Str("ip", tr.DeviceIP).
			Time("down_since", tr.At).
			Msg("Device went down")
	}

	m.cache.OnTransition(tr.DeviceID)
	m.classifyFlap(ctx, dev, tr)
	m.publish(tr)
	return nil
}

// classifyFlap counts the transition and escalates flap_state when the
// device crosses its threshold (stricter for ISP links).
func (m *Machine) classifyFlap(ctx context.Context, dev device.Device, tr device.Transition) {
	count := m.flaps.record(string(dev.ID), tr.At)

	threshold := m.cfg.Transitions
	if tr.ISPLink {
		threshold = m.cfg.ISPTransitions
	}

	switch {
	case count >= threshold:
		until := time.Now().Add(m.cfg.Hold).UTC()
		if err := m.gw.UpdateFlapState(ctx, dev.ID, device.FlapFlapping, &until); err != nil {
			log.Error().Err(err).Str("device_id", string(dev.ID)).Msg("Failed to persist flap state")
			return
		}
		log.Warn().
			Str("device_id", string(dev.ID)).
			Int("transitions", count).
			Time("flap_until", until).
			Msg("Device is flapping")
	case count == threshold-1 && dev.FlapState == device.FlapStable:
		if err := m.gw.UpdateFlapState(ctx, dev.ID, device.FlapSuspected, nil); err != nil {
			log.Error().Err(err).Str("device_id", string(dev.ID)).Msg("Failed to persist flap state")
		}
	}
}

func (m *Machine) publish(tr device.Transition) {
	select {
	case m.events <- tr:
	default:
		metrics.InvariantViolations.WithLabelValues("event_buffer_full").Inc()
		log.Error().
			Str("device_id", string(tr.DeviceID)).
			Msg("Transition event buffer full, evaluator is not draining")
	}
}

// PruneFlapWindows drops idle flap accounting; wired to the maintenance
// queue's health self-check task.
func (m *Machine) PruneFlapWindows() { m.flaps.prune(time.Now()) }
