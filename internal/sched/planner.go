// Package sched plans probe batches and drives the periodic task schedule.
package sched

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/kljama/netmon/internal/config"
	"github.com/kljama/netmon/internal/device"
)

// Plan is the outcome of one planning pass: the device set partitioned into
// batches of roughly BatchSize devices each.
type Plan struct {
	BatchSize  int
	BatchCount int
	Batches    [][]device.ID
}

// Planner sizes and partitions probe batches. Sizing aims for ten batches
// per polling interval so work spreads evenly across the interval instead of
// bursting at the tick.
type Planner struct {
	minSize     int
	maxSize     int
	targetCount int
}

func NewPlanner(cfg config.BatchConfig) *Planner {
	return &Planner{
		minSize:     cfg.MinSize,
		maxSize:     cfg.MaxSize,
		targetCount: cfg.TargetCount,
	}
}

// BatchSize computes the batch size for n devices: ceil(n / target_count),
// rounded up to the nearest multiple of the minimum size, clamped to
// [min, max].
func (p *Planner) BatchSize(n int) int {
	if n <= 0 {
		return p.minSize
	}
	size := (n + p.targetCount - 1) / p.targetCount
	if rem := size % p.minSize; rem != 0 {
		size += p.minSize - rem
	}
	if size < p.minSize {
		size = p.minSize
	}
	if size > p.maxSize {
		size = p.maxSize
	}
	return size
}

// Partition splits ids into batches. Assignment is by a hash of the device
// id seeded with the tick index, so membership is stable within a tick but
// reshuffles between ticks; a pathological device cannot pin the same batch
// forever.
func (p *Planner) Partition(ids []device.ID, tick uint64) Plan {
	size := p.BatchSize(len(ids))
	count := (len(ids) + size - 1) / size
	if count == 0 {
		return Plan{BatchSize: size}
	}

	batches := make([][]device.ID, count)
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], tick)
	for _, id := range ids {
		h := fnv.New64a()
		h.Write(seed[:])
		h.Write([]byte(id))
		idx := int(h.Sum64() % uint64(count))
		batches[idx] = append(batches[idx], id)
	}
	return Plan{BatchSize: size, BatchCount: count, Batches: batches}
}
