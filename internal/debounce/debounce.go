// Package debounce implements the per-(platform,group,user) message
// debouncer (C2): it coalesces bursts of events from the same sender
// into a single snapshot, delivered once the sender has been quiet for
// a configured delay.
//
// Grounded on the cancel-and-replace timer idiom in
// other_examples' Telegram userbot debouncer: each pending entry owns a
// single cancellable timer, and resetting the window stops the old
// timer before installing a new one so a fired timer can never find a
// stale entry (spec.md invariant I3 / property P5).
package debounce

import (
	"sync"
	"time"
)

// Event is the minimal shape a debounced item must have. The
// orchestrator's ChatEvent satisfies this through an adapter type; this
// package is otherwise data-agnostic so it can be unit-tested in
// isolation.
type Event struct {
	UserKey   string // platform:groupId:userId
	Timestamp time.Time
	Payload   any // the orchestrator's *orchestrator.ChatEvent
}

// Snapshot is the unit handed to the orchestrator when a debounce
// window elapses (spec.md's DebounceSnapshot).
type Snapshot struct {
	UserKey   string
	Events    []Event
	LastEvent Event
	Count     int
	FirstAt   time.Time
	LastAt    time.Time
}

// pendingEntry holds the buffered events and the timer that will flush
// them, so Stop can cancel the timers of outstanding entries, whose
// events are then dropped.
type pendingEntry struct {
	events []Event
	timer  *time.Timer
}

// Debouncer coalesces events per UserKey and invokes onFlush exactly
// once per debounce window (property P5). Safe for concurrent use from
// multiple goroutines.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEntry
	onFlush func(Snapshot)
	stopped bool
}

// New creates a Debouncer with the given window. A non-positive delay
// defaults to 5 seconds (spec.md's debounce.delay_ms default). onFlush
// is invoked from the debouncer's own timer goroutine; callers that
// need to re-enter a serialized queue (as the orchestrator does via
// session.RunQueued) must do so themselves inside onFlush.
func New(delay time.Duration, onFlush func(Snapshot)) *Debouncer {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*pendingEntry),
		onFlush: onFlush,
	}
}

// Debounce buffers ev under its UserKey. If another event for the same
// key is already pending, the previous timer is cancelled (atomically
// with the new buffer append, under the same lock — invariant I3) and a
// fresh timer is installed. Returns immediately.
func (d *Debouncer) Debounce(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	entry, exists := d.pending[ev.UserKey]
	if exists {
		// Cancel-and-replace: Stop the old timer before it can fire.
		// Even if Stop races with the timer's goroutine, flush() below
		// checks map identity so a doomed old timer is a no-op.
		entry.timer.Stop()
		entry.events = append(entry.events, ev)
	} else {
		entry = &pendingEntry{events: []Event{ev}}
		d.pending[ev.UserKey] = entry
	}

	key := ev.UserKey
	var timer *time.Timer
	timer = time.AfterFunc(d.delay, func() {
		d.flush(key, &timer)
	})
	entry.timer = timer
}

// flush removes and delivers the snapshot for key, if fired is still the
// timer installed on the pending entry. A fired timer that was already
// replaced, or whose entry was removed, is a no-op, per spec.md §5.
func (d *Debouncer) flush(key string, fired **time.Timer) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok && entry.timer != *fired {
		ok = false
	}
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if !ok || len(entry.events) == 0 {
		return
	}

	snap := buildSnapshot(key, entry.events)
	if d.onFlush != nil {
		d.onFlush(snap)
	}
}

func buildSnapshot(key string, events []Event) Snapshot {
	first := events[0]
	last := events[len(events)-1]
	return Snapshot{
		UserKey:   key,
		Events:    events,
		LastEvent: last,
		Count:     len(events),
		FirstAt:   first.Timestamp,
		LastAt:    last.Timestamp,
	}
}

// Stop cancels all pending timers and drops their buffered events
// without invoking onFlush, per spec.md §4.2: "On process shutdown, all
// timers are cancelled; buffered events are dropped (the conversation
// log already retained them via C3)." After Stop, Debounce is a no-op.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, key)
	}
}

// PendingCount returns the number of user keys currently buffered,
// for the debug surface.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// PendingInfo describes one key's buffered-but-not-yet-flushed events,
// for the debug surface.
type PendingInfo struct {
	UserKey string    `json:"user_key"`
	Count   int       `json:"count"`
	FirstAt time.Time `json:"first_at"`
	LastAt  time.Time `json:"last_at"`
}

// PendingSnapshot returns one PendingInfo per currently buffered key.
func (d *Debouncer) PendingSnapshot() []PendingInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PendingInfo, 0, len(d.pending))
	for key, entry := range d.pending {
		if len(entry.events) == 0 {
			continue
		}
		out = append(out, PendingInfo{
			UserKey: key,
			Count:   len(entry.events),
			FirstAt: entry.events[0].Timestamp,
			LastAt:  entry.events[len(entry.events)-1].Timestamp,
		})
	}
	return out
}
