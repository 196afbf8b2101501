// Package replypipeline implements the reply pipeline (C9): take the
// planner's decision, sleep its delay, build context, derive dynamic style, build
// the prompt, call the LLM, and hand back a result for the orchestrator
// to send and commit. Grounded on internal/delegate/delegate.go's
// Executor/Result shape and internal/signal/bridge.go's
// handleMessage dispatch.
package replypipeline

import (
	"context"
	"time"

	"github.com/nugget/chatwarden/internal/convcontext"
	"github.com/nugget/chatwarden/internal/convlog"
	"github.com/nugget/chatwarden/internal/llmclient"
	"github.com/nugget/chatwarden/internal/memberstats"
	"github.com/nugget/chatwarden/internal/planner"
	"github.com/nugget/chatwarden/internal/promptbuilder"
)

// Event is the minimal shape the reply pipeline needs.
type Event struct {
	Platform     string
	GroupID      string
	SessionKey   string
	UserID       string
	UserName     string
	RawText      string
	MentionsBot  bool
	TargetText   string
	TargetUserID string
}

// PlannerInput bundles the scores the orchestrator gathered from C4/C5
// before invoking the planner.
type PlannerInput struct {
	SinceLastReply  time.Duration
	HasLastReply    bool
	Intimacy        float64
	GroupActivity   float64
	Energy          float64
	Spam            memberstats.SpamType
	Urgency         float64
	RepetitionScore float64
	GroupMemeScore  float64
}

// Persona mirrors sendpipeline.Persona's shape so the orchestrator can
// pass the result straight through without importing sendpipeline here.
type Persona struct {
	Verbosity                float64
	MultiUtterancePreference float64
}

// Outcome is what Run returns to the orchestrator.
type Outcome struct {
	Skip        bool
	SkipReason  string
	Reply       string
	PlanResult  planner.Result
	Persona     Persona
	IsAtReply   bool
}

// Sleeper abstracts time.Sleep so tests can skip real delays.
type Sleeper func(time.Duration)

// Pipeline runs the full reply decision and generation flow for one
// conversational event.
type Pipeline struct {
	convlog *convlog.Store
	context *convcontext.Builder
	stats   *memberstats.Store
	llm     llmclient.Client
	persona promptbuilder.Persona
	sleep   Sleeper
	nowFunc func() time.Time
}

// New creates a reply Pipeline.
func New(log *convlog.Store, ctxBuilder *convcontext.Builder, stats *memberstats.Store, llm llmclient.Client, persona promptbuilder.Persona) *Pipeline {
	return &Pipeline{
		convlog: log,
		context: ctxBuilder,
		stats:   stats,
		llm:     llm,
		persona: persona,
		sleep:   time.Sleep,
		nowFunc: time.Now,
	}
}

// Run executes steps 1-7 of spec.md §4.9 for a non-command event.
// pr is the already-computed planner result (the orchestrator runs the
// planner itself so it can apply the turn-taking guard beforehand); Run
// still honors its shouldReply/mode decision. pin carries the same
// C4/C5 scores the orchestrator fed the planner, so the prompt's
// dynamic style can blend in the caller's real intimacy score instead
// of only the mode/probability the planner already decided on.
func (p *Pipeline) Run(ctx context.Context, ev Event, pr planner.Result, pin PlannerInput) Outcome {
	if !pr.ShouldReply {
		return Outcome{Skip: true, SkipReason: pr.DebugReason, PlanResult: pr}
	}
	if pr.Mode == planner.ModeCommand {
		return Outcome{Skip: true, SkipReason: "command", PlanResult: pr}
	}

	if pr.DelayMs > 0 {
		p.sleep(time.Duration(pr.DelayMs) * time.Millisecond)
	}

	convCtx := p.context.Build(ev.SessionKey, p.nowFunc())

	style := deriveDynamicStyle(pr.Mode, pr.Probability, pin.Intimacy)
	persona := derivePersona(pr.Mode)

	messages := promptbuilder.Build(promptbuilder.Params{
		Persona:      p.persona,
		Style:        style,
		Context:      convCtx,
		TargetText:   ev.TargetText,
		TargetUserID: ev.TargetUserID,
	})

	reply, err := p.llm.Chat(ctx, messages)
	if err != nil {
		return Outcome{Skip: true, SkipReason: "llm_failure", PlanResult: pr}
	}

	return Outcome{
		Reply:      reply,
		PlanResult: pr,
		Persona:    persona,
		IsAtReply:  ev.MentionsBot,
	}
}

// CommitReply appends the bot turn, updates member stats, and spends
// energy. Must only be called after a successful send (spec.md §4.9:
// "Commit must occur only after a successful send").
func (p *Pipeline) CommitReply(ev Event, text string, ts time.Time, energySpend func()) {
	p.convlog.AppendTurn(ev.SessionKey, convlog.Turn{
		Role:      convlog.RoleBot,
		Content:   text,
		Timestamp: ts,
	})
	p.stats.OnBotReply(ev.Platform, ev.GroupID, ev.TargetUserID, ts)
	if energySpend != nil {
		energySpend()
	}
}

// dynamicStyleTable gives each mode a base tone label, combined in
// deriveDynamicStyle with the planner's probability and the intimacy score.
var dynamicStyleTable = map[planner.Mode]string{
	planner.ModeCasual:             "随性",
	planner.ModeFragment:           "简短",
	planner.ModeSmalltalk:          "轻松",
	planner.ModeDirectAnswer:       "认真",
	planner.ModePassiveAcknowledge: "敷衍",
	planner.ModePlayfulTease:       "调侃",
	planner.ModeEmpathySupport:     "温柔",
	planner.ModeDeflect:            "回避",
}

func deriveDynamicStyle(mode planner.Mode, probability, intimacy float64) promptbuilder.Style {
	tone := dynamicStyleTable[mode]
	if tone == "" {
		tone = "自然"
	}
	slang := probability
	return promptbuilder.Style{Tone: tone, Slang: &slang, Intimacy: &intimacy}
}

// derivePersona maps mode to the verbosity/multi-utterance preference
// knobs the send pipeline's utterance planner consumes.
func derivePersona(mode planner.Mode) Persona {
	switch mode {
	case planner.ModeFragment, planner.ModePassiveAcknowledge:
		return Persona{Verbosity: 0.15, MultiUtterancePreference: 0.1}
	case planner.ModeDirectAnswer, planner.ModeEmpathySupport:
		return Persona{Verbosity: 0.7, MultiUtterancePreference: 0.6}
	case planner.ModePlayfulTease:
		return Persona{Verbosity: 0.4, MultiUtterancePreference: 0.5}
	default:
		return Persona{Verbosity: 0.35, MultiUtterancePreference: 0.3}
	}
}
