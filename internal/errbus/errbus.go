// Package errbus carries the process-wide critical-error signal as an
// explicit, thread-safe object instead of a module-global flag. A Bus is
// created once per node and threaded into LocalApply, which raises it when
// the storage engine reports a failure and observes it at safe points (its
// per-series and per-point loops), into the Dispatcher, which reports it to
// the client, and into the HTTP readiness check.
//
// Modeled on the atomic.Bool "joined" flag the Kafka consumers flip from
// partition-assignment callbacks and poll from the HTTP readiness handler.
package errbus

import "sync/atomic"

type Bus struct {
	raised atomic.Bool
	reason atomic.Value
}

func New() *Bus { return &Bus{} }

// Raise sets the critical flag. Safe to call from any goroutine; only the
// first reason sticks.
func (b *Bus) Raise(reason string) {
	if b.raised.CompareAndSwap(false, true) {
		b.reason.Store(reason)
	}
}

func (b *Bus) Raised() bool { return b.raised.Load() }

func (b *Bus) Reason() string {
	v := b.reason.Load()
	if v == nil {
		return ""
	}
	return v.(string)
}
