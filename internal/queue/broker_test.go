package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func singleWorkerConfig() Config {
	return Config{Alerts: 1, Monitoring: 1, SNMP: 1, Maintenance: 1, TasksPerChild: 1000}
}

func TestPriorityOrderWithinQueue(t *testing.T) {
	b := NewBroker(singleWorkerConfig())

	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})

	// A running task blocks the single worker so the rest queue up and are
	// reordered by priority before execution.
	_ = b.Enqueue(Task{Queue: QueueMonitoring, Kind: "gate", Priority: 255, Run: func(ctx context.Context) error {
		close(started)
		<-gate
		return nil
	}})
	b.Start(context.Background())
	<-started

	for _, tc := range []struct {
		kind string
		prio uint8
	}{
		{"low", 1},
		{"high", 9},
		{"mid", 5},
		{"high2", 9},
	} {
		tc := tc
		_ = b.Enqueue(Task{Queue: QueueMonitoring, Kind: tc.kind, Priority: tc.prio, Run: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, tc.kind)
			if len(order) == 4 {
				close(done)
			}
			mu.Unlock()
			return nil
		}})
	}

	close(gate)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not complete")
	}

	want := []string{"high", "high2", "mid", "low"}
	mu.Lock()
	defer mu.Unlock()
	for i, k := range want {
		if order[i] != k {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestQueuesAreIsolated(t *testing.T) {
	b := NewBroker(singleWorkerConfig())

	// Wedge the snmp queue's only worker; alerts tasks must still run.
	wedge := make(chan struct{})
	_ = b.Enqueue(Task{Queue: QueueSNMP, Kind: "wedge", Run: func(ctx context.Context) error {
		<-wedge
		return nil
	}})

	ran := make(chan struct{})
	_ = b.Enqueue(Task{Queue: QueueAlerts, Kind: "eval", Run: func(ctx context.Context) error {
		close(ran)
		return nil
	}})

	b.Start(context.Background())
	defer close(wedge)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("alerts task starved by a wedged snmp queue")
	}
}

func TestEnqueueAfterShutdown(t *testing.T) {
	b := NewBroker(singleWorkerConfig())
	b.Start(context.Background())
	b.Shutdown(time.Second)

	err := b.Enqueue(Task{Queue: QueueMonitoring, Kind: "late", Run: func(ctx context.Context) error { return nil }})
	if err != ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	b := NewBroker(singleWorkerConfig())

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		_ = b.Enqueue(Task{Queue: QueueMaintenance, Kind: "sweep", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}})
	}
	b.Start(context.Background())
	b.Shutdown(5 * time.Second)

	if got := ran.Load(); got != 20 {
		t.Fatalf("drained %d tasks, want 20", got)
	}
}

func TestExpiredTaskIsDropped(t *testing.T) {
	b := NewBroker(singleWorkerConfig())

	ran := make(chan struct{}, 1)
	_ = b.Enqueue(Task{
		Queue:    QueueMonitoring,
		Kind:     "stale",
		Deadline: time.Now().Add(-time.Second),
		Run: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})
	b.Start(context.Background())
	b.Shutdown(time.Second)

	select {
	case <-ran:
		t.Fatal("expired task must not execute")
	default:
	}
}

func TestPanicInTaskDoesNotKillWorker(t *testing.T) {
	b := NewBroker(singleWorkerConfig())
	b.Start(context.Background())

	_ = b.Enqueue(Task{Queue: QueueMonitoring, Kind: "boom", Run: func(ctx context.Context) error {
		panic("probe library bug")
	}})

	ran := make(chan struct{})
	_ = b.Enqueue(Task{Queue: QueueMonitoring, Kind: "after", Run: func(ctx context.Context) error {
		close(ran)
		return nil
	}})

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	b.Shutdown(time.Second)
}

func TestWorkerRecycling(t *testing.T) {
	cfg := singleWorkerConfig()
	cfg.TasksPerChild = 5
	b := NewBroker(cfg)
	b.Start(context.Background())

	var ran atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 25; i++ {
		_ = b.Enqueue(Task{Queue: QueueMonitoring, Kind: "work", Run: func(ctx context.Context) error {
			if ran.Add(1) == 25 {
				close(done)
			}
			return nil
		}})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of 25 tasks ran; recycling lost the worker", ran.Load())
	}
	b.Shutdown(time.Second)
}
