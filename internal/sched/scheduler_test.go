package sched

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kljama/netmon/internal/config"
	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/queue"
)

type mockSchedStore struct {
	mu      sync.Mutex
	devices []device.Device
	fired   map[string]time.Time
}

func newMockSchedStore(devs ...device.Device) *mockSchedStore {
	return &mockSchedStore{devices: devs, fired: make(map[string]time.Time)}
}

func (m *mockSchedStore) LastFire(ctx context.Context, job string) (*time.Time, *time.Time, error) {
	return nil, nil, nil
}

func (m *mockSchedStore) MarkFired(ctx context.Context, job string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired[job] = at
	return nil
}

func (m *mockSchedStore) MarkCompleted(ctx context.Context, job string, at time.Time) error {
	return nil
}

func (m *mockSchedStore) EnabledDevices(ctx context.Context) ([]device.Device, error) {
	return m.devices, nil
}

type mockSubmitter struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (m *mockSubmitter) Enqueue(t queue.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, t)
	return nil
}

func (m *mockSubmitter) all() []queue.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.Task(nil), m.tasks...)
}

func icmpDevices(n int) []device.Device {
	devs := make([]device.Device, n)
	for i := range devs {
		devs[i] = device.Device{
			ID:             device.ID(fmt.Sprintf("dev-%03d", i)),
			IP:             fmt.Sprintf("10.0.%d.%d", i/250, i%250+1),
			Enabled:        true,
			MonitoringMode: device.ModeBoth,
		}
	}
	return devs
}

func newTestScheduler(st Store, sub Submitter) *Scheduler {
	planner := NewPlanner(config.BatchConfig{MinSize: 50, MaxSize: 500, TargetCount: 10})
	return NewScheduler(st, sub, nil, planner, 10*time.Second, time.Minute, 10*time.Second)
}

func (s *Scheduler) jobNamed(t *testing.T, name string) *job {
	t.Helper()
	for _, j := range s.jobs {
		if j.name == name {
			return j
		}
	}
	t.Fatalf("no job named %s", name)
	return nil
}

func TestSingleTasksCarryDoubleCadenceDeadline(t *testing.T) {
	sub := &mockSubmitter{}
	s := newTestScheduler(newMockSchedStore(), sub)

	for _, name := range []string{taskIfaceMetrics, taskAlertEval, taskIfaceDiscovery, taskCleanup, taskSelfCheck} {
		j := s.jobNamed(t, name)
		before := len(sub.all())
		now := time.Now()
		n, err := j.fire(context.Background(), 1)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		tasks := sub.all()
		require.Len(t, tasks, before+1)
		task := tasks[len(tasks)-1]
		assert.False(t, task.Deadline.IsZero(), "%s task must carry a deadline", name)
		assert.WithinDuration(t, now.Add(2*j.cadence), task.Deadline, time.Second, name)
		assert.Equal(t, j.queue, task.Queue)
		assert.Equal(t, j.priority, task.Priority)
	}
}

func TestBatchTasksCarryDoubleCadenceDeadline(t *testing.T) {
	sub := &mockSubmitter{}
	s := newTestScheduler(newMockSchedStore(icmpDevices(120)...), sub)

	now := time.Now()
	n, err := s.fireICMP(context.Background(), 1)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	cadence := s.jobNamed(t, taskICMPPoll).cadence
	for _, task := range sub.all() {
		assert.False(t, task.Deadline.IsZero())
		assert.WithinDuration(t, now.Add(2*cadence), task.Deadline, time.Second)
		assert.Equal(t, queue.QueueMonitoring, task.Queue)
	}
}

func TestBatchFireReportsEnqueuedCount(t *testing.T) {
	sub := &mockSubmitter{}
	s := newTestScheduler(newMockSchedStore(icmpDevices(120)...), sub)

	n, err := s.fireICMP(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, len(sub.all()), n)
	assert.GreaterOrEqual(t, n, 2, "120 devices at batch size 50 plan into multiple tasks")
}
