package debugstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/chatwarden/internal/events"
)

func TestRecordAndQueryPlans(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "debug.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for i := 0; i < 3; i++ {
		if err := store.RecordPlan(PlanRecord{
			SessionKey:  "qq:g1",
			Mode:        "casual",
			ShouldReply: true,
			Probability: 0.4,
			Reason:      "ok",
			CreatedAt:   time.Now().Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("RecordPlan: %v", err)
		}
	}

	got, err := store.RecentPlans("qq:g1", 10)
	if err != nil {
		t.Fatalf("RecentPlans: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 plan records, got %d", len(got))
	}
	if got[0].Mode != "casual" {
		t.Errorf("Mode = %q, want casual", got[0].Mode)
	}
}

func TestRecordAndQuerySends(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "debug.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.RecordSend(SendRecord{SessionKey: "qq:g1", Text: "hi", Sent: true}); err != nil {
		t.Fatalf("RecordSend: %v", err)
	}
	if err := store.RecordSend(SendRecord{SessionKey: "qq:g1", Cancelled: true}); err != nil {
		t.Fatalf("RecordSend: %v", err)
	}

	got, err := store.RecentSends("qq:g1", 10)
	if err != nil {
		t.Fatalf("RecentSends: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 send records, got %d", len(got))
	}
}

func TestRunRecordsFromBus(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "debug.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx, bus, nil)
		close(done)
	}()

	bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePlanner,
		Kind:      events.KindPlanDecision,
		Data: map[string]any{
			"session_key":  "qq:g1",
			"mode":         "casual",
			"should_reply": true,
			"probability":  0.5,
			"reason":       "ok",
		},
	})

	deadline := time.After(2 * time.Second)
	for {
		plans, err := store.RecentPlans("qq:g1", 10)
		if err != nil {
			t.Fatalf("RecentPlans: %v", err)
		}
		if len(plans) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for bus event to be recorded")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
