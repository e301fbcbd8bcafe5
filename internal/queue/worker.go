package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/metrics"
)

// runWorker is one worker goroutine. After tasksPerChild completed tasks it
// exits and a replacement is started, so any slow leak in probe libraries is
// bounded per worker lifetime.
func (b *Broker) runWorker(p *pool) {
	defer b.wg.Done()
	processed := 0
	for {
		task, ok := p.pop()
		if !ok {
			return
		}
		b.execute(p, task)
		processed++
		if b.tasksPerChild > 0 && processed >= b.tasksPerChild {
			metrics.WorkerRecycles.WithLabelValues(string(p.name)).Inc()
			b.wg.Add(1)
			go b.runWorker(p)
			return
		}
	}
}

func (b *Broker) execute(p *pool, task *Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("queue", string(p.name)).
				Str("task", task.Kind).
				Str("task_id", task.ID).
				Msg("Task panic recovered")
			metrics.TasksProcessed.WithLabelValues(string(p.name), "panic").Inc()
		}
	}()

	ctx := b.baseCtx
	if !task.Deadline.IsZero() {
		if time.Now().After(task.Deadline) {
			// Stale task from a prior tick; drop it, the scheduler re-plans.
			log.Debug().Str("task", task.Kind).Str("task_id", task.ID).Msg("Task expired before execution")
			metrics.TasksProcessed.WithLabelValues(string(p.name), "expired").Inc()
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, task.Deadline)
		defer cancel()
	}

	start := time.Now()
	err := task.Run(ctx)
	elapsed := time.Since(start)

	if err != nil {
		log.Warn().
			Err(err).
			Str("queue", string(p.name)).
			Str("task", task.Kind).
			Dur("elapsed", elapsed).
			Msg("Task failed")
		metrics.TasksProcessed.WithLabelValues(string(p.name), "error").Inc()
		return
	}
	metrics.TasksProcessed.WithLabelValues(string(p.name), "ok").Inc()
}
