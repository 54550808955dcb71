package presence

import "time"

// Clock abstracts time so expiry behavior is testable without waiting on
// real timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type Timer interface {
	Stop() bool
}

type systemClock struct{}

// SystemClock returns the wall-clock implementation used in production.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
