package scheduler

import "time"

// Timer is the handle of a pending AfterFunc callback.
type Timer interface {
	Stop() bool
}

// Clock supplies time to the scheduler. Rate limits are measured against it.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}
