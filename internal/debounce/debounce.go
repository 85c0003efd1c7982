// Package debounce coalesces bursts of triggers into a single deferred call.
// The session uses it to fold rapid metadata edits (model, params, system
// instruction) into one quiet save instead of a disk write per keystroke.
package debounce

import (
	"sync"
	"time"
)

// Trailing invokes fn once after a quiet period has passed since the last
// Trigger. Every Trigger during the quiet window resets the timer, so a burst
// of calls produces exactly one invocation after the burst ends.
//
// fn runs on a timer goroutine; it must be safe to call from there.
type Trailing struct {
	mu      sync.Mutex
	quiet   time.Duration
	fn      func()
	timer   *time.Timer
	pending bool
	stopped bool
}

// NewTrailing returns a debouncer that calls fn once the given quiet period
// elapses without a new Trigger.
func NewTrailing(quiet time.Duration, fn func()) *Trailing {
	return &Trailing{quiet: quiet, fn: fn}
}

// Trigger arms the debouncer, or resets the countdown when already armed.
// Calls after Stop are ignored.
func (d *Trailing) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.quiet, d.fire)
		return
	}
	d.timer.Reset(d.quiet)
}

// Flush runs the deferred call immediately when one is pending. Callers use
// it before an operation that must observe the flushed state, such as
// switching conversations or shutting down.
func (d *Trailing) Flush() {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.fn()
}

// Cancel drops a pending call without running it. Unlike Stop the debouncer
// stays usable; later Triggers arm it again.
func (d *Trailing) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Stop cancels any pending call and ignores further Triggers.
func (d *Trailing) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Pending reports whether a call is armed but not yet fired.
func (d *Trailing) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// fire is the timer callback. A Trigger racing with an expired timer may
// leave pending=false by the time the callback runs; the call is skipped
// then, because Flush or a newer timer already covered it.
func (d *Trailing) fire() {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()
	d.fn()
}
