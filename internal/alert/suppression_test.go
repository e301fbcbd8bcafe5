package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kljama/netmon/internal/device"
)

func TestDependencyGraphRejectsCycle(t *testing.T) {
	_, err := NewDependencyGraph(map[device.ID][]device.ID{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	})
	assert.Error(t, err)

	_, err = NewDependencyGraph(map[device.ID][]device.ID{
		"a": {"a"},
	})
	assert.Error(t, err, "self-dependency is a cycle")
}

func TestDependencyGraphAcceptsDAG(t *testing.T) {
	g, err := NewDependencyGraph(map[device.ID][]device.ID{
		"switch-1": {"router-1"},
		"switch-2": {"router-1"},
		"ap-1":     {"switch-1"},
	})
	require.NoError(t, err)

	down := time.Now().UTC()
	snapshot := map[device.ID]device.Device{
		"router-1": {ID: "router-1", DownSince: &down},
		"switch-1": {ID: "switch-1"},
		"switch-2": {ID: "switch-2"},
		"ap-1":     {ID: "ap-1"},
	}

	assert.True(t, g.UpstreamDown("switch-1", snapshot))
	assert.True(t, g.UpstreamDown("switch-2", snapshot))
	// Suppression is one hop: ap-1's direct upstream switch-1 is up.
	assert.False(t, g.UpstreamDown("ap-1", snapshot))
	assert.False(t, g.UpstreamDown("router-1", snapshot))
}

func TestUpstreamDownIgnoresUnknownDevices(t *testing.T) {
	g, err := NewDependencyGraph(map[device.ID][]device.ID{
		"switch-1": {"router-gone"},
	})
	require.NoError(t, err)
	assert.False(t, g.UpstreamDown("switch-1", map[device.ID]device.Device{}))
}
