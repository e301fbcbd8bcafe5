// Package queue is the in-process priority queue broker: four named queues,
// each with an independent, size-limited worker pool. There is no work
// stealing between queues; that isolation is what keeps alert evaluation
// from being starved by SNMP backlog.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kljama/netmon/internal/metrics"
)

// Name identifies one of the four queues.
type Name string

const (
	QueueAlerts      Name = "alerts"
	QueueMonitoring  Name = "monitoring"
	QueueSNMP        Name = "snmp"
	QueueMaintenance Name = "maintenance"
)

// Task is one unit of work. Priority orders tasks within a queue only;
// routing between queues is by the Queue field.
type Task struct {
	ID       string
	Queue    Name
	Kind     string
	Priority uint8 // higher runs first within the queue
	Deadline time.Time
	Run      func(ctx context.Context) error

	seq uint64 // FIFO tie-break among equal priorities
}

// ErrShuttingDown is returned by Enqueue once shutdown has begun.
var ErrShuttingDown = errors.New("queue broker is shutting down")

// taskHeap orders by priority desc, then FIFO.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*Task))
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return t
}

// pool is one queue plus its dedicated workers.
type pool struct {
	name    Name
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  taskHeap
	seq    uint64
	closed bool
}

func newPool(name Name, workers int) *pool {
	p := &pool{name: name, workers: workers}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pool) push(t *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShuttingDown
	}
	p.seq++
	t.seq = p.seq
	heap.Push(&p.tasks, t)
	metrics.QueueDepth.WithLabelValues(string(p.name)).Set(float64(len(p.tasks)))
	p.cond.Signal()
	return nil
}

// pop blocks until a task is available or the pool is closed and drained.
func (p *pool) pop() (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.tasks) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.tasks) == 0 {
		return nil, false
	}
	t := heap.Pop(&p.tasks).(*Task)
	metrics.QueueDepth.WithLabelValues(string(p.name)).Set(float64(len(p.tasks)))
	return t, true
}

func (p *pool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *pool) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Config sizes the four pools and the worker recycle threshold.
type Config struct {
	Alerts        int
	Monitoring    int
	SNMP          int
	Maintenance   int
	TasksPerChild int
}

// Broker owns the four queues and their worker pools.
type Broker struct {
	pools         map[Name]*pool
	tasksPerChild int

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
	startMu sync.Mutex
}

func NewBroker(cfg Config) *Broker {
	return &Broker{
		pools: map[Name]*pool{
			QueueAlerts:      newPool(QueueAlerts, cfg.Alerts),
			QueueMonitoring:  newPool(QueueMonitoring, cfg.Monitoring),
			QueueSNMP:        newPool(QueueSNMP, cfg.SNMP),
			QueueMaintenance: newPool(QueueMaintenance, cfg.Maintenance),
		},
		tasksPerChild: cfg.TasksPerChild,
	}
}

// Start launches every pool's workers. Tasks execute under ctx; cancelling
// it cancels in-flight task contexts.
func (b *Broker) Start(ctx context.Context) {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.baseCtx, b.cancel = context.WithCancel(ctx)
	for _, p := range b.pools {
		for i := 0; i < p.workers; i++ {
			b.wg.Add(1)
			go b.runWorker(p)
		}
	}
}

// Enqueue routes a task to its declared queue.
func (b *Broker) Enqueue(t Task) error {
	p, ok := b.pools[t.Queue]
	if !ok {
		return errors.New("unknown queue " + string(t.Queue))
	}
	return p.push(&t)
}

// Depth reports the number of enqueued tasks in one queue.
func (b *Broker) Depth(name Name) int {
	if p, ok := b.pools[name]; ok {
		return p.depth()
	}
	return 0
}

// Shutdown stops accepting enqueues, lets workers finish current tasks up to
// the drain deadline, then cancels what is still in flight.
func (b *Broker) Shutdown(drain time.Duration) {
	for _, p := range b.pools {
		p.close()
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
		// Drain deadline reached; cancel in-flight probes. Partial batches
		// are acceptable, the next tick re-plans.
		if b.cancel != nil {
			b.cancel()
		}
		<-done
	}
}
