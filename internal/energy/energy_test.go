package energy

import (
	"testing"
	"time"
)

func TestNewStateStartsFull(t *testing.T) {
	s := NewState(0.05, 0.10)
	if lvl := s.Level(); lvl != 1 {
		t.Errorf("initial level = %v, want 1", lvl)
	}
}

func TestSpendOnReplyDeducts(t *testing.T) {
	s := NewState(0, 0.10)
	lvl := s.SpendOnReply()
	if lvl != 0.90 {
		t.Errorf("level after spend = %v, want 0.90", lvl)
	}
}

func TestSpendOnReplyClampsAtZero(t *testing.T) {
	s := NewState(0, 0.75)
	s.SpendOnReply()
	lvl := s.SpendOnReply()
	if lvl != 0 {
		t.Errorf("level after overspend = %v, want 0 (clamped)", lvl)
	}
}

func TestRecoveryOverTime(t *testing.T) {
	base := time.Now()
	s := NewState(0.05, 0.10)
	s.nowFunc = func() time.Time { return base }

	s.SpendOnReply() // level = 0.90, lastUpdated = base

	s.nowFunc = func() time.Time { return base.Add(10 * time.Minute) }
	lvl := s.Level()

	want := 0.90 + 10*0.05
	if want > 1 {
		want = 1
	}
	if diff := lvl - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("level after recovery = %v, want %v", lvl, want)
	}
}

func TestRecoveryClampsAtOne(t *testing.T) {
	base := time.Now()
	s := NewState(1, 0.10)
	s.nowFunc = func() time.Time { return base }
	s.SpendOnReply()

	s.nowFunc = func() time.Time { return base.Add(time.Hour) }
	if lvl := s.Level(); lvl != 1 {
		t.Errorf("level after long recovery = %v, want 1 (clamped)", lvl)
	}
}

func TestActivityWindowScoreWithinBounds(t *testing.T) {
	now := time.Now()
	w := NewActivityWindow(5*time.Minute, 10)

	for i := 0; i < 5; i++ {
		w.RecordMessage(now.Add(time.Duration(i) * time.Second))
	}

	score := w.Score(now.Add(5 * time.Second))
	if score <= 0 || score > 1 {
		t.Errorf("score = %v, want in (0, 1]", score)
	}
}

func TestActivityWindowPrunesOldMessages(t *testing.T) {
	now := time.Now()
	w := NewActivityWindow(1*time.Minute, 10)

	w.RecordMessage(now)
	w.RecordMessage(now.Add(2 * time.Minute))

	count := w.Count(now.Add(2 * time.Minute))
	if count != 1 {
		t.Errorf("count = %d, want 1 (first message pruned)", count)
	}
}

func TestActivityWindowScoreClampsAtOne(t *testing.T) {
	now := time.Now()
	w := NewActivityWindow(5*time.Minute, 3)

	for i := 0; i < 20; i++ {
		w.RecordMessage(now)
	}

	score := w.Score(now)
	if score != 1 {
		t.Errorf("score = %v, want 1 (clamped)", score)
	}
}

func TestTrackerIsolatesGroups(t *testing.T) {
	now := time.Now()
	tr := NewTracker(5*time.Minute, 10)

	tr.RecordMessage("g1", now)
	tr.RecordMessage("g1", now)
	tr.RecordMessage("g2", now)

	if c1, c2 := tr.Count("g1", now), tr.Count("g2", now); c1 != 2 || c2 != 1 {
		t.Errorf("counts = (%d, %d), want (2, 1)", c1, c2)
	}
}

func TestTrackerDefaultsAppliedOnZeroValues(t *testing.T) {
	w := NewActivityWindow(0, 0)
	if w.window != 5*time.Minute || w.normalizer != 10 {
		t.Errorf("defaults not applied: window=%v normalizer=%d", w.window, w.normalizer)
	}
}
