package alert

import (
	"fmt"

	"github.com/kljama/netmon/internal/device"
)

// DependencyGraph holds the upstream edges used for cascade suppression:
// when a device's upstream is DOWN, new down alerts for the device are
// withheld.
type DependencyGraph struct {
	upstreams map[device.ID][]device.ID
}

// NewDependencyGraph validates the edge set. Cycles are rejected at
// configuration time so suppression can never deadlock on itself.
func NewDependencyGraph(edges map[device.ID][]device.ID) (*DependencyGraph, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[device.ID]int)
	var visit func(id device.ID) error
	visit = func(id device.ID) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through device %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, up := range edges[id] {
			if err := visit(up); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for id := range edges {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return &DependencyGraph{upstreams: edges}, nil
}

// UpstreamDown reports whether any direct upstream of the device is DOWN,
// given the current device snapshot.
func (g *DependencyGraph) UpstreamDown(id device.ID, devices map[device.ID]device.Device) bool {
	for _, up := range g.upstreams[id] {
		if d, ok := devices[up]; ok && d.DownSince != nil {
			return true
		}
	}
	return false
}
