// Package sched abstracts cancellable timers so that reconnect backoff,
// typing expiry and delayed closes can be driven deterministically in tests.
package sched

import "time"

// Task is a pending callback.
type Task interface {
	// Stop cancels the task. It reports false if the task already ran or
	// was already stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Task
}

// Real is the wall-clock Scheduler backed by time.AfterFunc.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}
