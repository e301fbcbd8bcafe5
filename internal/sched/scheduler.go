package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/queue"
)

// Submitter is the slice of the queue broker the scheduler uses.
type Submitter interface {
	Enqueue(t queue.Task) error
}

// Store is the slice of the relational store the scheduler uses: persisted
// fire times and the enabled inventory the planner partitions.
type Store interface {
	LastFire(ctx context.Context, job string) (fired, completed *time.Time, err error)
	MarkFired(ctx context.Context, job string, at time.Time) error
	MarkCompleted(ctx context.Context, job string, at time.Time) error
	EnabledDevices(ctx context.Context) ([]device.Device, error)
}

// Task names persisted in scheduler_state. Renaming one orphans its row.
const (
	taskICMPPoll       = "icmp_poll"
	taskSNMPPoll       = "snmp_poll"
	taskIfaceMetrics   = "interface_metrics"
	taskAlertEval      = "alert_evaluation"
	taskIfaceDiscovery = "interface_discovery"
	taskCleanup        = "cleanup"
	taskSelfCheck      = "health_self_check"
)

// job is one scheduled entry: a cadence, a target queue, and a fire function
// that emits the tick's tasks. fire returns how many tasks it enqueued.
type job struct {
	name     string
	cadence  time.Duration
	queue    queue.Name
	priority uint8
	fire     func(ctx context.Context, tick uint64) (int, error)

	lastFired     time.Time
	lastCompleted time.Time
	tick          uint64
}

// Scheduler owns the periodic schedule. Fire times are persisted so a
// restart resumes cadences instead of firing everything at once; a job whose
// previous instance has not completed is skipped until twice its cadence has
// passed, then re-fired on the assumption the old tasks expired.
type Scheduler struct {
	st      Store
	sub     Submitter
	exec    *Executor
	planner *Planner

	mu   sync.Mutex
	jobs []*job
}

func NewScheduler(st Store, sub Submitter, exec *Executor, planner *Planner, icmpInterval, snmpInterval, alertInterval time.Duration) *Scheduler {
	s := &Scheduler{st: st, sub: sub, exec: exec, planner: planner}
	s.jobs = []*job{
		{name: taskICMPPoll, cadence: icmpInterval, queue: queue.QueueMonitoring, priority: 50, fire: s.fireICMP},
		{name: taskSNMPPoll, cadence: snmpInterval, queue: queue.QueueSNMP, priority: 50, fire: s.fireSNMP},
		{name: taskIfaceMetrics, cadence: snmpInterval, queue: queue.QueueSNMP, priority: 40, fire: s.fireSingle(taskIfaceMetrics, queue.QueueSNMP, 40, exec.InterfaceMetrics)},
		{name: taskAlertEval, cadence: alertInterval, queue: queue.QueueAlerts, priority: 100, fire: s.fireSingle(taskAlertEval, queue.QueueAlerts, 100, exec.EvaluateAlerts)},
		{name: taskIfaceDiscovery, cadence: time.Hour, queue: queue.QueueSNMP, priority: 10, fire: s.fireSingle(taskIfaceDiscovery, queue.QueueSNMP, 10, exec.InterfaceDiscovery)},
		{name: taskCleanup, cadence: 24 * time.Hour, queue: queue.QueueMaintenance, priority: 10, fire: s.fireSingle(taskCleanup, queue.QueueMaintenance, 10, exec.Cleanup)},
		{name: taskSelfCheck, cadence: 5 * time.Minute, queue: queue.QueueMaintenance, priority: 50, fire: s.fireSingle(taskSelfCheck, queue.QueueMaintenance, 50, exec.HealthSelfCheck)},
	}
	return s
}

// Run restores persisted fire times and ticks until ctx is cancelled. A
// relational failure while firing logs and skips the job; the next tick
// retries.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return fmt.Errorf("restore scheduler state: %w", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tickAll(ctx)
		}
	}
}

func (s *Scheduler) restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		fired, completed, err := s.st.LastFire(ctx, j.name)
		if err != nil {
			return err
		}
		if fired != nil {
			j.lastFired = fired.UTC()
		}
		if completed != nil {
			j.lastCompleted = completed.UTC()
		}
	}
	return nil
}

func (s *Scheduler) tickAll(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if now.Sub(j.lastFired) < j.cadence {
			continue
		}
		// Overrun guard: the previous instance has not reported completion.
		// Hold off until twice the cadence, then re-fire; the stale tasks
		// carry deadlines and expire in the queue.
		if j.lastCompleted.Before(j.lastFired) && now.Sub(j.lastFired) < 2*j.cadence {
			log.Warn().
				Str("job", j.name).
				Time("last_fired", j.lastFired).
				Msg("Previous run still in flight, skipping tick")
			continue
		}

		if err := s.st.MarkFired(ctx, j.name, now); err != nil {
			log.Error().Err(err).Str("job", j.name).Msg("Failed to persist fire time, skipping tick")
			continue
		}
		j.lastFired = now
		j.tick++

		n, err := j.fire(ctx, j.tick)
		if err != nil {
			log.Error().Err(err).Str("job", j.name).Msg("Failed to fire job")
			continue
		}
		if n == 0 {
			j.lastCompleted = now
			if err := s.st.MarkCompleted(ctx, j.name, now); err != nil {
				log.Error().Err(err).Str("job", j.name).Msg("Failed to persist completion time")
			}
		}
	}
}

// cadenceOf returns the named job's cadence. The job table is fixed after
// construction, so reads are safe wherever fire functions run.
func (s *Scheduler) cadenceOf(name string) time.Duration {
	for _, j := range s.jobs {
		if j.name == name {
			return j.cadence
		}
	}
	return 0
}

// markDone records job completion once the last task of a tick finishes.
func (s *Scheduler) markDone(name string) {
	now := time.Now().UTC()
	s.mu.Lock()
	for _, j := range s.jobs {
		if j.name == name {
			j.lastCompleted = now
			break
		}
	}
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.st.MarkCompleted(ctx, name, now); err != nil {
		log.Error().Err(err).Str("job", name).Msg("Failed to persist completion time")
	}
}

// fireSingle adapts a parameterless executor method into a one-task fire
// function.
func (s *Scheduler) fireSingle(name string, q queue.Name, prio uint8, run func(ctx context.Context) error) func(ctx context.Context, tick uint64) (int, error) {
	return func(ctx context.Context, tick uint64) (int, error) {
		task := queue.Task{
			ID:       fmt.Sprintf("%s-%d", name, tick),
			Queue:    q,
			Kind:     name,
			Priority: prio,
			Deadline: time.Now().Add(2 * s.cadenceOf(name)),
			Run: func(tctx context.Context) error {
				defer s.markDone(name)
				return run(tctx)
			},
		}
		if err := s.sub.Enqueue(task); err != nil {
			return 0, err
		}
		return 1, nil
	}
}

func (s *Scheduler) fireICMP(ctx context.Context, tick uint64) (int, error) {
	return s.fireBatches(ctx, tick, taskICMPPoll, queue.QueueMonitoring, 50,
		device.Device.WantsICMP, s.exec.ICMPBatch)
}

func (s *Scheduler) fireSNMP(ctx context.Context, tick uint64) (int, error) {
	return s.fireBatches(ctx, tick, taskSNMPPoll, queue.QueueSNMP, 50,
		device.Device.WantsSNMP, s.exec.SNMPBatch)
}

// fireBatches plans the tick's batches over the eligible device set and
// enqueues one task per batch. Completion is recorded when the last batch of
// the tick finishes.
func (s *Scheduler) fireBatches(ctx context.Context, tick uint64, name string, q queue.Name, prio uint8,
	eligible func(device.Device) bool, run func(ctx context.Context, ids []device.ID) error) (int, error) {

	devs, err := s.st.EnabledDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("load enabled devices: %w", err)
	}
	var ids []device.ID
	for _, d := range devs {
		if eligible(d) {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	plan := s.planner.Partition(ids, tick)
	// Deadline matches the overrun guard: at twice the cadence the job
	// re-fires and whatever is still queued from this tick expires.
	deadline := time.Now().Add(2 * s.cadenceOf(name))

	remaining := new(atomic.Int64)
	enqueued := 0
	for i, batch := range plan.Batches {
		if len(batch) == 0 {
			continue
		}
		batch := batch
		remaining.Add(1)
		task := queue.Task{
			ID:       fmt.Sprintf("%s-%d-%d", name, tick, i),
			Queue:    q,
			Kind:     name,
			Priority: prio,
			Deadline: deadline,
			Run: func(tctx context.Context) error {
				defer func() {
					if remaining.Add(-1) == 0 {
						s.markDone(name)
					}
				}()
				return run(tctx, batch)
			},
		}
		if err := s.sub.Enqueue(task); err != nil {
			// Shutdown races here; the unenqueued remainder is abandoned and
			// the tick completes when the accepted tasks do.
			if remaining.Add(-1) == 0 {
				s.markDone(name)
			}
			log.Warn().Err(err).Str("job", name).Msg("Enqueue failed, abandoning remainder of tick")
			return enqueued, nil
		}
		enqueued++
	}
	log.Debug().
		Str("job", name).
		Int("devices", len(ids)).
		Int("batch_size", plan.BatchSize).
		Int("batches", enqueued).
		Msg("Batches planned")
	return enqueued, nil
}
