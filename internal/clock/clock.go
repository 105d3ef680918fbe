// Package clock provides the single time source used for every elapsed-time
// computation in the arena. Move application and the timeout sweep must read
// the same reference or their flag decisions could disagree.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func System() Clock { return systemClock{} }
