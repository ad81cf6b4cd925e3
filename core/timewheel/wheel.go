// Package timewheel implements a single-level hashed timer wheel.
//
//	slot:   0    1    2   ...  59
//	        ^cur
//	        |
//	        +--> [t3] <-> [t1]      timers expiring when cur reaches the slot
//	                                 (after `rotation` more full sweeps)
//
// A Wheel is not safe for concurrent use; it is driven by a single goroutine
// that calls Tick once per unit.
package timewheel

import (
	"time"
)

// DefaultSlots is the number of slots of a wheel created with slots <= 0.
const DefaultSlots = 60

// Timer is one scheduled expiry. It lives in exactly one slot list until it
// fires or is removed.
type Timer struct {
	prev, next *Timer
	slot       int // -1 when not linked
	rotation   int
	expire     func()
}

// Active reports whether the timer is still scheduled.
func (t *Timer) Active() bool {
	return t != nil && t.slot >= 0
}

// Wheel is a ring of slots advanced one slot per Tick.
type Wheel struct {
	slots []*Timer
	cur   int
	unit  time.Duration
	count int

	// Tick iteration state; Remove advances cursor past a removed timer.
	ticking bool
	cursor  *Timer
}

// New creates a wheel with the given number of slots, each covering unit.
func New(slots int, unit time.Duration) *Wheel {
	if slots <= 0 {
		slots = DefaultSlots
	}
	if unit <= 0 {
		unit = time.Second
	}
	return &Wheel{
		slots: make([]*Timer, slots),
		unit:  unit,
	}
}

func (w *Wheel) Unit() time.Duration { return w.unit }
func (w *Wheel) Slots() int          { return len(w.slots) }
func (w *Wheel) Current() int        { return w.cur }
func (w *Wheel) Len() int            { return w.count }

// Ticks converts a timeout into a number of ticks, rounding up.
// Non-positive timeouts clamp to one tick.
func (w *Wheel) Ticks(timeout time.Duration) int {
	if timeout <= 0 {
		return 1
	}
	ticks := int((timeout + w.unit - 1) / w.unit)
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// Add schedules expire to run after timeout. The timer fires during the
// Tick call that processes the slot Ticks(timeout) positions past the
// current one.
func (w *Wheel) Add(timeout time.Duration, expire func()) *Timer {
	ticks := w.Ticks(timeout)
	n := len(w.slots)

	rotation := ticks / n
	if w.ticking {
		// the current slot is being processed; its next visit is n ticks away
		rotation = (ticks - 1) / n
	}

	t := &Timer{
		slot:     (w.cur + ticks%n) % n,
		rotation: rotation,
		expire:   expire,
	}

	head := w.slots[t.slot]
	t.next = head
	if head != nil {
		head.prev = t
	}
	w.slots[t.slot] = t
	w.count++
	return t
}

// Remove unschedules t. It reports false if t already fired or was removed.
func (w *Wheel) Remove(t *Timer) bool {
	if !t.Active() {
		return false
	}
	if w.cursor == t {
		w.cursor = t.next
	}
	w.unlink(t)
	return true
}

func (w *Wheel) unlink(t *Timer) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		w.slots[t.slot] = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	}
	t.prev, t.next = nil, nil
	t.slot = -1
	w.count--
}

// Tick processes the current slot and advances the wheel by one slot.
// Timers with rotations left are decremented; the rest are unlinked and
// their callbacks run. Callbacks may Add and Remove timers.
// It returns the number of timers fired.
func (w *Wheel) Tick() int {
	fired := 0
	w.ticking = true

	t := w.slots[w.cur]
	for t != nil {
		w.cursor = t.next
		if t.rotation > 0 {
			t.rotation--
		} else {
			w.unlink(t)
			fired++
			if t.expire != nil {
				t.expire()
			}
		}
		t = w.cursor
	}

	w.cursor = nil
	w.ticking = false
	w.cur = (w.cur + 1) % len(w.slots)
	return fired
}
