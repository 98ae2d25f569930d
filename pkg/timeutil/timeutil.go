package timeutil

import "time"

// Now returns the current wall time in UTC. Components take a clock func
// defaulting to this so tests can pin time.
func Now() time.Time {
	return time.Now().UTC()
}
