package sched

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kljama/netmon/internal/config"
	"github.com/kljama/netmon/internal/device"
)

func testPlanner() *Planner {
	return NewPlanner(config.BatchConfig{MinSize: 50, MaxSize: 500, TargetCount: 10})
}

func makeIDs(n int) []device.ID {
	ids := make([]device.ID, n)
	for i := range ids {
		ids[i] = device.ID(fmt.Sprintf("dev-%04d", i))
	}
	return ids
}

func TestBatchSizeReferencePoints(t *testing.T) {
	p := testPlanner()
	cases := []struct {
		devices   int
		wantSize  int
		wantCount int
	}{
		{875, 100, 9},
		{1500, 150, 10},
		{3000, 300, 10},
		{10000, 500, 20},
		{100, 50, 2},
		{1, 50, 1},
	}
	for _, tc := range cases {
		size := p.BatchSize(tc.devices)
		assert.Equal(t, tc.wantSize, size, "batch size for %d devices", tc.devices)
		plan := p.Partition(makeIDs(tc.devices), 1)
		assert.Equal(t, tc.wantCount, plan.BatchCount, "batch count for %d devices", tc.devices)
	}
}

func TestBatchSizeBounds(t *testing.T) {
	p := testPlanner()
	for n := 1; n <= 20000; n += 137 {
		size := p.BatchSize(n)
		require.GreaterOrEqual(t, size, 50, "n=%d", n)
		require.LessOrEqual(t, size, 500, "n=%d", n)
		require.Zero(t, size%50, "size must be a multiple of 50, n=%d size=%d", n, size)

		count := (n + size - 1) / size
		require.GreaterOrEqual(t, size*count, n, "batches must cover the device set, n=%d", n)
	}
}

func TestPartitionCoversEveryDeviceOnce(t *testing.T) {
	p := testPlanner()
	ids := makeIDs(875)
	plan := p.Partition(ids, 42)

	seen := make(map[device.ID]int)
	for _, batch := range plan.Batches {
		for _, id := range batch {
			seen[id]++
		}
	}
	require.Len(t, seen, len(ids))
	for id, n := range seen {
		require.Equal(t, 1, n, "device %s assigned %d times", id, n)
	}
}

func TestPartitionStableWithinTick(t *testing.T) {
	p := testPlanner()
	ids := makeIDs(500)
	a := p.Partition(ids, 7)
	b := p.Partition(ids, 7)
	assert.Equal(t, a.Batches, b.Batches, "same tick must produce the same partition")
}

func TestPartitionReshufflesBetweenTicks(t *testing.T) {
	p := testPlanner()
	ids := makeIDs(500)
	a := p.Partition(ids, 1)
	b := p.Partition(ids, 2)

	// Build id -> batch index maps and count how many moved.
	indexOf := func(plan Plan) map[device.ID]int {
		m := make(map[device.ID]int)
		for i, batch := range plan.Batches {
			for _, id := range batch {
				m[id] = i
			}
		}
		return m
	}
	ia, ib := indexOf(a), indexOf(b)
	moved := 0
	for id := range ia {
		if ia[id] != ib[id] {
			moved++
		}
	}
	assert.Greater(t, moved, 0, "consecutive ticks should not pin every device to the same batch")
}

func TestPartitionEmptySet(t *testing.T) {
	p := testPlanner()
	plan := p.Partition(nil, 1)
	assert.Zero(t, plan.BatchCount)
	assert.Empty(t, plan.Batches)
}
