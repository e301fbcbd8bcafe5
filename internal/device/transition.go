package device

import "time"

// Direction of a state transition.
type Direction string

const (
	WentDown  Direction = "went_down"
	Recovered Direction = "recovered"
)

// Transition is an up/down state change derived from one probe. Duration is
// the UTC wall-clock downtime and is only set for Recovered.
type Transition struct {
	DeviceID  ID
	DeviceIP  string
	ISPLink   bool
	Direction Direction
	At        time.Time // probe timestamp that caused the transition
	Duration  time.Duration
}
