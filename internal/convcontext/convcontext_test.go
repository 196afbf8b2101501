package convcontext

import (
	"testing"
	"time"

	"github.com/nugget/chatwarden/internal/convlog"
)

func TestBuildEmptyLogReturnsZeroValue(t *testing.T) {
	log := convlog.NewStore(50)
	b := New(log)
	ctx := b.Build("qq:g1", time.Now())
	if ctx.TargetTurn != nil || len(ctx.RecentTurns) != 0 {
		t.Fatalf("expected empty context, got %+v", ctx)
	}
}

func TestBuildWithRecentBotTurnExpandsWindow(t *testing.T) {
	log := convlog.NewStore(50)
	b := New(log)
	now := time.Now()
	key := "qq:g1"

	for i := 0; i < 3; i++ {
		log.AppendTurn(key, convlog.Turn{Role: convlog.RoleUser, Content: "pre", UserID: "u1", Timestamp: now.Add(time.Duration(i) * time.Second)})
	}
	log.AppendTurn(key, convlog.Turn{Role: convlog.RoleBot, Content: "bot reply", Timestamp: now.Add(4 * time.Second)})
	log.AppendTurn(key, convlog.Turn{Role: convlog.RoleUser, Content: "follow up", UserID: "u1", Timestamp: now.Add(5 * time.Second)})

	ctx := b.Build(key, now.Add(10*time.Second))
	if ctx.Meta.SinceLastBotMs < 0 {
		t.Fatalf("expected sinceLastBotMs to be computed, got %+v", ctx.Meta)
	}
	if ctx.TargetTurn == nil || ctx.TargetTurn.Content != "follow up" {
		t.Fatalf("expected target turn to be the latest message, got %+v", ctx.TargetTurn)
	}
}

func TestBuildDefaultCandidateWithoutRecentBot(t *testing.T) {
	log := convlog.NewStore(50)
	b := New(log)
	now := time.Now()
	key := "qq:g1"

	for i := 0; i < 10; i++ {
		log.AppendTurn(key, convlog.Turn{Role: convlog.RoleUser, Content: "msg", UserID: "u1", Timestamp: now.Add(time.Duration(i) * time.Minute)})
	}

	ctx := b.Build(key, now.Add(20*time.Minute))
	if len(ctx.RecentTurns) != defaultCandidate {
		t.Fatalf("expected default candidate window of %d, got %d", defaultCandidate, len(ctx.RecentTurns))
	}
}

func TestMergeSameSpeakerRunExtendsWithinWindow(t *testing.T) {
	now := time.Now()
	candidate := []convlog.Turn{
		{UserID: "u1", Timestamp: now, Content: "a"},
		{UserID: "u1", Timestamp: now.Add(2 * time.Second), Content: "b"},
		{UserID: "u1", Timestamp: now.Add(4 * time.Second), Content: "c"},
	}
	target := mergeSameSpeakerRun(candidate)
	if target == nil || target.Content != "c" {
		t.Fatalf("expected target to be the last turn in the run, got %+v", target)
	}
}

func TestMergeSameSpeakerRunStopsOnDifferentUser(t *testing.T) {
	now := time.Now()
	candidate := []convlog.Turn{
		{UserID: "u1", Timestamp: now, Content: "a"},
		{UserID: "u2", Timestamp: now.Add(time.Second), Content: "b"},
	}
	target := mergeSameSpeakerRun(candidate)
	if target == nil || target.Content != "b" {
		t.Fatalf("expected target to be the most recent turn regardless, got %+v", target)
	}
}

func TestTopicSummaryQuestionWins(t *testing.T) {
	candidate := []convlog.Turn{{Content: "why is this happening?"}}
	if got := topicSummary(candidate); got != "刚刚在问问题或讨论某个疑问" {
		t.Errorf("topicSummary = %q", got)
	}
}

func TestTopicSummaryEmptyWhenNoMatch(t *testing.T) {
	candidate := []convlog.Turn{{Content: "plain statement"}}
	if got := topicSummary(candidate); got != "" {
		t.Errorf("topicSummary = %q, want empty", got)
	}
}

func TestRecentTurnsBoundedAtTwelve(t *testing.T) {
	log := convlog.NewStore(50)
	b := New(log)
	now := time.Now()
	key := "qq:g1"

	for i := 0; i < 40; i++ {
		log.AppendTurn(key, convlog.Turn{Role: convlog.RoleUser, Content: "msg", UserID: "u1", Timestamp: now.Add(time.Duration(i) * time.Minute)})
	}

	ctx := b.Build(key, now.Add(60*time.Minute))
	if len(ctx.RecentTurns) > recentTurnsLimit {
		t.Fatalf("RecentTurns len = %d, want <= %d", len(ctx.RecentTurns), recentTurnsLimit)
	}
}
