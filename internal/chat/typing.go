package chat

import (
	"sync"
	"time"
)

// Clock lets tests drive timers by hand.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// typingDebouncer emits start on the first keystroke of a burst and stop
// once the conversation has been idle for the configured duration. There
// is at most one live timer per conversation.
type typingDebouncer struct {
	clock Clock
	idle  time.Duration
	start func(conversationID string)
	stop  func(conversationID string)

	mu      sync.Mutex
	gen     uint64
	entries map[string]typingEntry
}

type typingEntry struct {
	timer Timer
	gen   uint64
}

func newTypingDebouncer(clock Clock, idle time.Duration, start, stop func(string)) *typingDebouncer {
	return &typingDebouncer{
		clock:   clock,
		idle:    idle,
		start:   start,
		stop:    stop,
		entries: make(map[string]typingEntry),
	}
}

func (d *typingDebouncer) Keystroke(conversationID string) {
	d.mu.Lock()
	prev, active := d.entries[conversationID]
	if active {
		prev.timer.Stop()
	}
	d.gen++
	gen := d.gen
	timer := d.clock.AfterFunc(d.idle, func() { d.expire(conversationID, gen) })
	d.entries[conversationID] = typingEntry{timer: timer, gen: gen}
	d.mu.Unlock()

	if !active {
		d.start(conversationID)
	}
}

func (d *typingDebouncer) expire(conversationID string, gen uint64) {
	d.mu.Lock()
	e, ok := d.entries[conversationID]
	if !ok || e.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.entries, conversationID)
	d.mu.Unlock()

	d.stop(conversationID)
}

// Stop ends an active burst immediately and emits stop.
func (d *typingDebouncer) Stop(conversationID string) {
	if d.drop(conversationID) {
		d.stop(conversationID)
	}
}

// Forget ends a burst without emitting anything.
func (d *typingDebouncer) Forget(conversationID string) {
	d.drop(conversationID)
}

func (d *typingDebouncer) drop(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[conversationID]
	if ok {
		e.timer.Stop()
		delete(d.entries, conversationID)
	}
	return ok
}

// StopAll cancels every timer silently.
func (d *typingDebouncer) StopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, e := range d.entries {
		e.timer.Stop()
		delete(d.entries, id)
	}
}

func (d *typingDebouncer) Active(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[conversationID]
	return ok
}
