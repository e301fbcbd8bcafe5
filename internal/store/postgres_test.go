package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kljama/netmon/internal/device"
)

func TestChunksWindowsBulkInput(t *testing.T) {
	ids := make([]device.ID, 1000)
	for i := range ids {
		ids[i] = device.ID(fmt.Sprintf("dev-%04d", i))
	}

	parts := chunks(ids, bulkChunk)
	require.Len(t, parts, 20)

	seen := make(map[device.ID]int, len(ids))
	for _, part := range parts {
		assert.LessOrEqual(t, len(part), bulkChunk)
		for _, id := range part {
			seen[id]++
		}
	}
	require.Len(t, seen, len(ids), "every id appears in some window")
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %s appears in exactly one window", id)
	}
}

func TestChunksUnevenTail(t *testing.T) {
	in := make([]int, 101)
	parts := chunks(in, 50)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 50)
	assert.Len(t, parts[1], 50)
	assert.Len(t, parts[2], 1)
}

func TestChunksSmallAndEmptyInput(t *testing.T) {
	assert.Nil(t, chunks([]string(nil), 50))
	assert.Nil(t, chunks([]string{}, 50))

	parts := chunks([]string{"a", "b"}, 50)
	require.Len(t, parts, 1)
	assert.Equal(t, []string{"a", "b"}, parts[0])
}
