package coalesce

import "time"

type (
	// Clock supplies time and one-shot timers to the scheduler.
	Clock interface {
		Now() time.Time
		// AfterFunc runs f once after d elapsed, on its own goroutine.
		AfterFunc(d time.Duration, f func()) Timer
	}

	// Timer is a cancellable one-shot timer. Stop prevents the timer from
	// firing and reports whether the call stopped it. Timer is an alias so
	// that clocks outside this package need not import it.
	Timer = interface {
		Stop() bool
	}

	systemClock struct{}
)

// SystemClock returns the Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
