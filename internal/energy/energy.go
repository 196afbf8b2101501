// Package energy implements the global energy model and the per-group
// activity tracker (C5). Energy recovers over time and is spent on each
// reply, nudging the planner toward terser or rarer replies as it runs
// low. The activity tracker keeps a 5-minute sliding window of message
// timestamps per group so the planner can gauge how "hot" a
// conversation currently is.
package energy

import (
	"sync"
	"time"
)

// State holds the single global energy level, clamped to [0, 1].
// Safe for concurrent use.
type State struct {
	nowFunc func() time.Time

	mu          sync.Mutex
	level       float64
	lastUpdated time.Time
	recoverPerMinute float64
	costPerReply     float64
}

// NewState creates an energy model starting at full charge (1.0).
// recoverPerMinute and costPerReply come from spec.md §6's
// energy.recovery_per_minute / energy.cost_per_reply configuration.
func NewState(recoverPerMinute, costPerReply float64) *State {
	return &State{
		nowFunc:          time.Now,
		level:            1,
		lastUpdated:      time.Now(),
		recoverPerMinute: recoverPerMinute,
		costPerReply:     costPerReply,
	}
}

// Level returns the current energy level after applying any recovery
// owed since the last update, without spending anything.
func (s *State) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoverLocked(s.nowFunc())
	return s.level
}

// recoverLocked applies linear recovery for the elapsed time since
// lastUpdated, clamping at 1.0. Must be called with s.mu held.
func (s *State) recoverLocked(now time.Time) {
	elapsed := now.Sub(s.lastUpdated)
	if elapsed <= 0 {
		return
	}
	minutes := elapsed.Minutes()
	s.level += minutes * s.recoverPerMinute
	if s.level > 1 {
		s.level = 1
	}
	s.lastUpdated = now
}

// SpendOnReply deducts costPerReply from the energy level (after
// applying owed recovery first), clamped at 0, and returns the
// resulting level.
func (s *State) SpendOnReply() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	s.recoverLocked(now)
	s.level -= s.costPerReply
	if s.level < 0 {
		s.level = 0
	}
	s.lastUpdated = now
	return s.level
}

// maxActivityMessages bounds how many timestamps a single group window
// retains, guarding against unbounded growth in extremely busy groups.
const maxActivityMessages = 2000

// ActivityWindow tracks a sliding window of message timestamps for one
// group, used to compute a normalized [0,1] activity score.
type ActivityWindow struct {
	mu         sync.Mutex
	nowFunc    func() time.Time
	window     time.Duration
	normalizer int
	timestamps []time.Time
}

// NewActivityWindow creates a tracker with the given window duration
// (spec.md's activity.window_ms, default 5 minutes) and normalizer
// (activity.normalizer, default 10 messages = "fully active").
func NewActivityWindow(window time.Duration, normalizer int) *ActivityWindow {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if normalizer <= 0 {
		normalizer = 10
	}
	return &ActivityWindow{
		nowFunc:    time.Now,
		window:     window,
		normalizer: normalizer,
	}
}

// RecordMessage records a user message's arrival at ts. Bot-originated
// turns must never be recorded here (spec.md §4.5: "the bot's own
// replies do not count as group activity").
func (a *ActivityWindow) RecordMessage(ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timestamps = append(a.timestamps, ts)
	if len(a.timestamps) > maxActivityMessages {
		overflow := len(a.timestamps) - maxActivityMessages
		a.timestamps = a.timestamps[overflow:]
	}
}

// Score returns clamp(count-in-window / 5 / normalizer), evaluated as
// of now, and prunes timestamps that have aged out of the window
// (spec.md §4.5: "evict expired entries and return (count,
// clamp(count/5/10))").
func (a *ActivityWindow) Score(now time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-a.window)
	kept := a.timestamps[:0:0]
	for _, ts := range a.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	a.timestamps = kept

	score := float64(len(kept)) / float64(5*a.normalizer)
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Count returns the number of messages currently inside the window, as
// of now.
func (a *ActivityWindow) Count(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := now.Add(-a.window)
	n := 0
	for _, ts := range a.timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// Tracker owns one ActivityWindow per group key, created lazily.
type Tracker struct {
	window     time.Duration
	normalizer int

	mu     sync.Mutex
	groups map[string]*ActivityWindow
}

// NewTracker creates a group activity tracker using window/normalizer
// for every group's ActivityWindow.
func NewTracker(window time.Duration, normalizer int) *Tracker {
	return &Tracker{
		window:     window,
		normalizer: normalizer,
		groups:     make(map[string]*ActivityWindow),
	}
}

func (t *Tracker) getLocked(groupKey string) *ActivityWindow {
	w, ok := t.groups[groupKey]
	if !ok {
		w = NewActivityWindow(t.window, t.normalizer)
		t.groups[groupKey] = w
	}
	return w
}

// RecordMessage records a user message for groupKey.
func (t *Tracker) RecordMessage(groupKey string, ts time.Time) {
	t.mu.Lock()
	w := t.getLocked(groupKey)
	t.mu.Unlock()
	w.RecordMessage(ts)
}

// Score returns groupKey's current activity score.
func (t *Tracker) Score(groupKey string, now time.Time) float64 {
	t.mu.Lock()
	w := t.getLocked(groupKey)
	t.mu.Unlock()
	return w.Score(now)
}

// Count returns groupKey's current in-window message count, for the
// debug surface.
func (t *Tracker) Count(groupKey string, now time.Time) int {
	t.mu.Lock()
	w := t.getLocked(groupKey)
	t.mu.Unlock()
	return w.Count(now)
}
