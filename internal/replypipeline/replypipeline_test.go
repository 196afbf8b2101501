package replypipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/chatwarden/internal/convcontext"
	"github.com/nugget/chatwarden/internal/convlog"
	"github.com/nugget/chatwarden/internal/memberstats"
	"github.com/nugget/chatwarden/internal/planner"
	"github.com/nugget/chatwarden/internal/promptbuilder"
)

type stubLLM struct {
	reply string
	err   error
	calls int
}

func (s *stubLLM) Chat(ctx context.Context, messages []promptbuilder.Message) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func newTestPipeline(llm *stubLLM) (*Pipeline, *convlog.Store) {
	log := convlog.NewStore(50)
	ctxBuilder := convcontext.New(log)
	stats := memberstats.NewStore()
	persona := promptbuilder.Persona{Name: "小白", Description: "一个群聊机器人", Tone: "活泼"}
	p := New(log, ctxBuilder, stats, llm, persona)
	p.sleep = func(time.Duration) {}
	return p, log
}

func TestRunSkipsWhenPlannerDeclines(t *testing.T) {
	llm := &stubLLM{reply: "hello"}
	p, _ := newTestPipeline(llm)

	out := p.Run(context.Background(), Event{SessionKey: "qq:g1"}, planner.Result{ShouldReply: false, DebugReason: "cooldown"}, PlannerInput{})
	if !out.Skip || out.SkipReason != "cooldown" {
		t.Fatalf("got %+v", out)
	}
	if llm.calls != 0 {
		t.Errorf("expected llm not called, got %d calls", llm.calls)
	}
}

func TestRunSkipsForCommandMode(t *testing.T) {
	llm := &stubLLM{reply: "hello"}
	p, _ := newTestPipeline(llm)

	out := p.Run(context.Background(), Event{SessionKey: "qq:g1"}, planner.Result{ShouldReply: true, Mode: planner.ModeCommand}, PlannerInput{})
	if !out.Skip || out.SkipReason != "command" {
		t.Fatalf("got %+v", out)
	}
	if llm.calls != 0 {
		t.Errorf("expected llm not called for command mode")
	}
}

func TestRunCallsLLMAndReturnsReply(t *testing.T) {
	llm := &stubLLM{reply: "好呀"}
	p, _ := newTestPipeline(llm)

	ev := Event{SessionKey: "qq:g1", TargetText: "在吗", TargetUserID: "u1", MentionsBot: true}
	out := p.Run(context.Background(), ev, planner.Result{ShouldReply: true, Mode: planner.ModeSmalltalk, DelayMs: 100, Probability: 0.8}, PlannerInput{Intimacy: 0.4})
	if out.Skip {
		t.Fatalf("unexpected skip: %+v", out)
	}
	if out.Reply != "好呀" {
		t.Errorf("got reply %q", out.Reply)
	}
	if !out.IsAtReply {
		t.Error("expected IsAtReply true when event mentions bot")
	}
	if llm.calls != 1 {
		t.Errorf("expected exactly 1 llm call, got %d", llm.calls)
	}
}

func TestRunPropagatesLLMFailureAsSkip(t *testing.T) {
	llm := &stubLLM{err: errors.New("boom")}
	p, _ := newTestPipeline(llm)

	out := p.Run(context.Background(), Event{SessionKey: "qq:g1"}, planner.Result{ShouldReply: true, Mode: planner.ModeCasual}, PlannerInput{})
	if !out.Skip || out.SkipReason != "llm_failure" {
		t.Fatalf("got %+v", out)
	}
}

func TestDerivePersonaVariesByMode(t *testing.T) {
	frag := derivePersona(planner.ModeFragment)
	answer := derivePersona(planner.ModeDirectAnswer)
	if frag.Verbosity >= answer.Verbosity {
		t.Errorf("expected fragment mode to be less verbose than direct answer: %+v vs %+v", frag, answer)
	}
}

func TestDeriveDynamicStyleFallsBackForUnknownMode(t *testing.T) {
	style := deriveDynamicStyle(planner.Mode("unknown"), 0.5, 0.75)
	if style.Tone != "自然" {
		t.Errorf("expected fallback tone, got %q", style.Tone)
	}
	if style.Slang == nil || *style.Slang != 0.5 {
		t.Errorf("expected slang to carry probability, got %+v", style.Slang)
	}
	if style.Intimacy == nil || *style.Intimacy != 0.75 {
		t.Errorf("expected intimacy to carry through, got %+v", style.Intimacy)
	}
}

func TestCommitReplyAppendsBotTurnAndStats(t *testing.T) {
	llm := &stubLLM{}
	p, log := newTestPipeline(llm)

	ev := Event{Platform: "qq", GroupID: "g1", SessionKey: "qq:g1", TargetUserID: "u1"}
	now := time.Now()
	spent := false
	p.CommitReply(ev, "好的", now, func() { spent = true })

	if log.Len("qq:g1") != 1 {
		t.Fatalf("expected 1 turn logged, got %d", log.Len("qq:g1"))
	}
	turns := log.GetRecentTurns("qq:g1", 1)
	if turns[0].Role != convlog.RoleBot || turns[0].Content != "好的" {
		t.Errorf("got turn %+v", turns[0])
	}
	if !spent {
		t.Error("expected energySpend callback invoked")
	}
}

func TestCommitReplyToleratesNilEnergySpend(t *testing.T) {
	llm := &stubLLM{}
	p, _ := newTestPipeline(llm)

	ev := Event{Platform: "qq", GroupID: "g1", SessionKey: "qq:g1", TargetUserID: "u1"}
	p.CommitReply(ev, "好的", time.Now(), nil)
}
