package wakelight

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Clock supplies the time and one-shot timers. Periodic ticks are re-armed
// with AfterFunc after each one completes, so a slow write never stacks
// ticks up.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
