package session

import (
	"sync"
	"time"
)

// Scheduler runs a function repeatedly at a fixed interval. It abstracts the
// timing mechanism behind the heartbeat loop so tests can drive ticks by hand
// and embedders can pick the mechanism that suits their runtime.
type Scheduler interface {
	// Schedule invokes fn roughly every interval, indefinitely, until fn
	// returns false or the returned stop function is called. Stop is
	// idempotent and never blocks.
	Schedule(interval time.Duration, fn func() bool) (stop func())
}

// TickerScheduler runs the work on a dedicated goroutine driven by a
// time.Ticker. This is the default.
type TickerScheduler struct{}

func (TickerScheduler) Schedule(interval time.Duration, fn func() bool) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(done) })
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !fn() {
					return
				}
			}
		}
	}()

	return stop
}

// TimerScheduler chains one-shot timers instead of holding a goroutine for
// the lifetime of the loop. Fallback for embedders that cannot afford a
// long-lived goroutine per session.
type TimerScheduler struct{}

func (TimerScheduler) Schedule(interval time.Duration, fn func() bool) func() {
	var (
		mu      sync.Mutex
		timer   *time.Timer
		stopped bool
	)

	var run func()
	run = func() {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		mu.Unlock()

		if !fn() {
			return
		}

		mu.Lock()
		if !stopped {
			timer = time.AfterFunc(interval, run)
		}
		mu.Unlock()
	}

	mu.Lock()
	timer = time.AfterFunc(interval, run)
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if timer != nil {
			timer.Stop()
		}
	}
}
