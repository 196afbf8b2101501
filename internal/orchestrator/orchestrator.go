// Package orchestrator implements the top-level conversation
// orchestrator (C12): it wires the session store, debouncer,
// preprocessor, member/group stats, energy model, planner, reply
// pipeline, and send pipeline together, enforcing per-session
// serialization and dispatching commands vs. conversational events.
// Grounded on cmd/thane/main.go's top-level wiring of bridges to the
// agent loop and internal/signal/bridge.go's Start/handleMessage
// dispatch loop, generalized from one platform to N via the Adapter
// interface.
package orchestrator

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"
	"unicode"

	"github.com/nugget/chatwarden/internal/command"
	"github.com/nugget/chatwarden/internal/config"
	"github.com/nugget/chatwarden/internal/convcontext"
	"github.com/nugget/chatwarden/internal/convlog"
	"github.com/nugget/chatwarden/internal/debounce"
	"github.com/nugget/chatwarden/internal/energy"
	"github.com/nugget/chatwarden/internal/events"
	"github.com/nugget/chatwarden/internal/llmclient"
	"github.com/nugget/chatwarden/internal/memberstats"
	"github.com/nugget/chatwarden/internal/planner"
	"github.com/nugget/chatwarden/internal/preprocess"
	"github.com/nugget/chatwarden/internal/promptbuilder"
	"github.com/nugget/chatwarden/internal/replypipeline"
	"github.com/nugget/chatwarden/internal/sendpipeline"
	"github.com/nugget/chatwarden/internal/session"
	"github.com/nugget/chatwarden/internal/turntaking"
)

// ChatEvent is the normalized inbound event every platform adapter
// produces (spec.md §3). It is immutable after ingestion; the
// orchestrator never mutates a caller's ChatEvent, it wraps it in an
// EnrichedEvent instead (spec.md §9: "do not mutate the public
// ChatEvent... wrap it").
type ChatEvent struct {
	Platform    string
	GroupID     string
	UserID      string
	MessageID   string
	RawText     string
	Timestamp   time.Time // event timestamp, as reported by the platform
	IngestTime  time.Time // local receipt time; filled by HandleEvent if zero
	MentionsBot bool
	FromBot     bool
	UserName    string
	GroupName   string
	IsPrivate   bool
}

// QuoteTarget is the user turn a merged/flushed event should reference
// via the platform's native quote mechanism, chosen by the orchestrator
// from a debounced snapshot (spec.md §4.12).
type QuoteTarget struct {
	MessageID string
	Seq       uint64
}

// EnrichedEvent wraps a ChatEvent with orchestrator-only bookkeeping
// (sequence number, merged target text, quote target) instead of
// stashing untyped extensions on the public event.
type EnrichedEvent struct {
	ChatEvent
	Seq          uint64
	QuoteTarget  *QuoteTarget
	TargetText   string
	TargetUserID string
}

// Adapter is the outbound contract a platform integration must satisfy
// (spec.md §6). Any type satisfying Adapter also satisfies
// sendpipeline.Sender, so the same value can be passed straight through.
type Adapter interface {
	SendText(ctx context.Context, groupID, text, replyTo string) error
}

// RNG is the randomness source threaded through the planner and send
// pipeline (spec.md §9: "Probabilistic paths -> injectable RNG").
type RNG interface {
	Float64() float64
}

// mathRNG adapts the concurrency-safe top-level math/rand functions to
// the RNG interface for production use.
type mathRNG struct{}

func (mathRNG) Float64() float64 { return rand.Float64() }

// Orchestrator wires C1-C11 together and is the sole entry point for
// inbound events (spec.md §6's handleEvent(ChatEvent)).
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus
	rng    RNG

	sessions *session.Store
	convlog  *convlog.Store
	stats    *memberstats.Store
	energy   *energy.State
	activity *energy.Tracker

	pre        *preprocess.Preprocessor
	debouncer  *debounce.Debouncer
	reply      *replypipeline.Pipeline
	send       *sendpipeline.Pipeline
	dispatcher command.Dispatcher
}

// Deps bundles the collaborators New needs beyond cfg/logger. RNG,
// Limiter, and Dispatcher may be nil (RNG defaults to math/rand,
// Limiter disables rate limiting, Dispatcher makes commands a no-op).
type Deps struct {
	Sender     Adapter
	LLM        llmclient.Client
	Dispatcher command.Dispatcher
	Limiter    preprocess.RateLimiter
	RNG        RNG
	Bus        *events.Bus
}

// New builds an Orchestrator from cfg, constructing and wiring every
// C1-C11 collaborator internally so callers only need to supply the
// external Deps (adapter, LLM client, command dispatcher).
func New(cfg *config.Config, logger *slog.Logger, deps Deps) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	rng := deps.RNG
	if rng == nil {
		rng = mathRNG{}
	}

	sessions := session.NewStore(logger)
	log := convlog.NewStore(cfg.RingBuffer.MaxTurns)
	stats := memberstats.NewStore()
	energyState := energy.NewState(cfg.Energy.RecoveryPerMinute, cfg.Energy.CostPerReply)
	activity := energy.NewTracker(cfg.Activity.WindowDuration(), cfg.Activity.Normalizer)

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		bus:      deps.Bus,
		rng:      rng,
		sessions: sessions,
		convlog:  log,
		stats:    stats,
		energy:   energyState,
		activity: activity,

		pre:        preprocess.New(log, stats, deps.Limiter),
		dispatcher: deps.Dispatcher,
	}

	persona := promptbuilder.Persona{
		Name:        cfg.Persona.Name,
		Description: cfg.Persona.Description,
		Tone:        cfg.Persona.Tone,
	}
	ctxBuilder := convcontext.New(log)
	o.reply = replypipeline.New(log, ctxBuilder, stats, deps.LLM, persona)
	o.send = sendpipeline.New(sessions, deps.Sender, rng, cfg.Typing, cfg.SegmentDelay)
	if notifier, ok := deps.Sender.(sendpipeline.TypingNotifier); ok {
		o.send.SetTypingNotifier(notifier)
	}

	o.debouncer = debounce.New(cfg.Debounce.DelayDuration(), o.onDebounceFlush)

	return o
}

// Sessions, Stats, Energy, Activity, and ConvLog expose the underlying
// stores for the debug surface and idle-rotation ticker.
func (o *Orchestrator) Sessions() *session.Store    { return o.sessions }
func (o *Orchestrator) Stats() *memberstats.Store   { return o.stats }
func (o *Orchestrator) Energy() *energy.State       { return o.energy }
func (o *Orchestrator) Activity() *energy.Tracker    { return o.activity }
func (o *Orchestrator) ConvLog() *convlog.Store      { return o.convlog }
func (o *Orchestrator) Debouncer() *debounce.Debouncer { return o.debouncer }

// Stop cancels all pending debounce timers (spec.md §4.2: "On process
// shutdown, all timers are cancelled; buffered events are dropped").
func (o *Orchestrator) Stop() {
	o.debouncer.Stop()
}

func sessionKey(platform, groupID string) string {
	return platform + ":" + groupID
}

func userKey(platform, groupID, userID string) string {
	return platform + ":" + groupID + ":" + userID
}

// HandleEvent is the orchestrator's sole inbound entry point (spec.md
// §4.12). It never returns an error: every failure is logged and
// absorbed so the caller's event loop never stalls on one bad event.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev ChatEvent) {
	if ev.IngestTime.IsZero() {
		ev.IngestTime = time.Now()
	}

	result := o.pre.Process(preprocess.Event{
		Platform:    ev.Platform,
		GroupID:     ev.GroupID,
		UserID:      ev.UserID,
		UserName:    ev.UserName,
		RawText:     ev.RawText,
		EventTime:   ev.Timestamp,
		IngestTime:  ev.IngestTime,
		MentionsBot: ev.MentionsBot,
		FromBot:     ev.FromBot,
	})

	key := sessionKey(ev.Platform, ev.GroupID)

	if !result.ShouldContinue {
		if !ev.FromBot && !result.Classification.IsMention && !result.Classification.IsCommand {
			o.publish(events.SourcePreprocess, events.KindStaleEvent, map[string]any{
				"session_key": key,
				"lag_ms":      ev.IngestTime.Sub(ev.Timestamp).Milliseconds(),
			})
		}
		return
	}

	seq := o.sessions.NextMessageSeq(key)

	if tok, count := o.sessions.NotifyIncoming(key); tok != nil && turntaking.ShouldCancel(count) {
		tok.Cancel()
		o.sessions.MarkForceQuoteNextFlush(key)
		o.publish(events.SourceTurnTaking, events.KindTypingInterrupted, map[string]any{
			"session_key":           key,
			"incoming_while_typing": count,
		})
	}

	enriched := EnrichedEvent{ChatEvent: ev, Seq: seq}
	cls := result.Classification

	if cls.IsCommand || cls.IsMention {
		o.sessions.RunQueued(key, func() {
			o.processEvent(ctx, enriched)
		})
		return
	}

	o.debouncer.Debounce(debounce.Event{
		UserKey:   userKey(ev.Platform, ev.GroupID, ev.UserID),
		Timestamp: ev.Timestamp,
		Payload:   enriched,
	})
}

// onDebounceFlush is the debouncer's onFlush callback (spec.md §4.2):
// it re-enters the session queue before doing any orchestration work,
// per spec.md §5 ("The debouncer callback re-enters the session queue
// before performing any orchestrator work").
func (o *Orchestrator) onDebounceFlush(snap debounce.Snapshot) {
	if len(snap.Events) == 0 {
		return
	}
	last, ok := snap.LastEvent.Payload.(EnrichedEvent)
	if !ok {
		return
	}
	key := sessionKey(last.Platform, last.GroupID)

	o.publish(events.SourceDebounce, events.KindDebounceFlush, map[string]any{
		"user_key": snap.UserKey,
		"count":    snap.Count,
	})

	o.sessions.RunQueued(key, func() {
		o.handleDebouncedInternal(context.Background(), snap)
	})
}

// handleDebouncedInternal merges a debounced snapshot's events into a
// single target, selects a quote target, applies the turn-taking
// guard, and — if allowed — runs processEvent (spec.md §4.12).
func (o *Orchestrator) handleDebouncedInternal(ctx context.Context, snap debounce.Snapshot) {
	items := make([]EnrichedEvent, 0, len(snap.Events))
	for _, e := range snap.Events {
		if ee, ok := e.Payload.(EnrichedEvent); ok {
			items = append(items, ee)
		}
	}
	if len(items) == 0 {
		return
	}

	last := items[len(items)-1]
	key := sessionKey(last.Platform, last.GroupID)

	tailStart := 0
	if len(items) > 6 {
		tailStart = len(items) - 6
	}
	texts := make([]string, 0, len(items)-tailStart)
	for _, e := range items[tailStart:] {
		texts = append(texts, e.RawText)
	}
	targetText := strings.Join(texts, " ")

	target := last
	if len(items) >= 3 {
		target = pickQuoteTarget(items)
	}

	var quoteTarget *QuoteTarget
	if target.MessageID != "" && target.MessageID != "0" {
		quoteTarget = &QuoteTarget{MessageID: target.MessageID, Seq: target.Seq}
	}

	merged := last
	merged.TargetText = targetText
	merged.QuoteTarget = quoteTarget
	merged.TargetUserID = target.UserID

	st := o.sessions.Get(key)
	lastReply, hasLastReply := st.LastBotReplyAt()
	var sinceLastBotReply time.Duration
	if hasLastReply {
		sinceLastBotReply = time.Since(lastReply)
	}

	guard := turntaking.Guard(turntaking.GuardInput{
		ForceQuoteNextFlush: st.ForceQuoteNextFlush(),
		SinceLastBotReply:   sinceLastBotReply,
		HasLastBotReply:     hasLastReply,
		Count:               len(items),
		MergedText:          targetText,
	})
	if !guard.Allow {
		o.logger.Debug("turn-taking guard skipped flush", "session_key", key, "reason", guard.DebugReason)
		return
	}

	o.processEvent(ctx, merged)
}

// pickQuoteTarget scores each event in items per spec.md §4.12 (+3
// question, +2 length>=12, +1 not punctuation-only, +1 being in the
// last two) and returns the highest scorer, tie-broken by later
// arrival (iterating forward and replacing on >= achieves this).
func pickQuoteTarget(items []EnrichedEvent) EnrichedEvent {
	best := items[0]
	bestScore := -1
	n := len(items)
	for i, e := range items {
		score := 0
		if isQuestion(e.RawText) {
			score += 3
		}
		if len([]rune(e.RawText)) >= 12 {
			score += 2
		}
		if !isPunctuationOnly(e.RawText) {
			score += 1
		}
		if i >= n-2 {
			score += 1
		}
		if score >= bestScore {
			bestScore = score
			best = e
		}
	}
	return best
}

func isQuestion(text string) bool {
	return strings.ContainsAny(text, "?？")
}

func isPunctuationOnly(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// processEvent is shared by the command and conversational paths
// (spec.md §4.12): classify, dispatch commands immediately, otherwise
// run the planner, reply pipeline, and send pipeline in turn.
func (o *Orchestrator) processEvent(ctx context.Context, ev EnrichedEvent) {
	key := sessionKey(ev.Platform, ev.GroupID)

	cls := preprocess.Classify(preprocess.Event{RawText: ev.RawText, MentionsBot: ev.MentionsBot})
	if cls.IsCommand {
		if o.dispatcher != nil {
			if err := o.dispatcher.Handle(ctx, command.Event{
				Platform: ev.Platform,
				GroupID:  ev.GroupID,
				UserID:   ev.UserID,
				RawText:  ev.RawText,
			}); err != nil {
				o.logger.Error("command dispatch failed", "session_key", key, "error", err)
			}
		}
		return
	}

	targetUserID := ev.TargetUserID
	if targetUserID == "" {
		targetUserID = ev.UserID
	}

	now := time.Now()
	input := o.gatherPlannerInput(ev, key, targetUserID, now)
	pr := planner.Plan(input, o.rng)

	o.publish(events.SourcePlanner, events.KindPlanDecision, map[string]any{
		"session_key": key,
		"should_reply": pr.ShouldReply,
		"mode":         string(pr.Mode),
		"probability":  pr.Probability,
		"reason":       pr.DebugReason,
	})

	if !pr.ShouldReply || pr.Mode == planner.ModeCommand {
		return
	}

	replyEvent := replypipeline.Event{
		Platform:     ev.Platform,
		GroupID:      ev.GroupID,
		SessionKey:   key,
		UserID:       ev.UserID,
		UserName:     ev.UserName,
		RawText:      ev.RawText,
		MentionsBot:  ev.MentionsBot,
		TargetText:   ev.TargetText,
		TargetUserID: targetUserID,
	}

	o.publish(events.SourceReply, events.KindReplyStart, map[string]any{
		"session_key": key, "mode": string(pr.Mode),
	})

	pin := replypipeline.PlannerInput{
		SinceLastReply:  input.SinceLastReply,
		HasLastReply:    input.HasLastReply,
		Intimacy:        input.Intimacy,
		GroupActivity:   input.GroupActivity,
		Energy:          input.Energy,
		Spam:            memberstats.SpamType(input.Spam),
		Urgency:         input.Urgency,
		RepetitionScore: input.RepetitionScore,
		GroupMemeScore:  input.GroupMemeScore,
	}
	outcome := o.reply.Run(ctx, replyEvent, pr, pin)
	if outcome.Skip {
		if outcome.SkipReason == "llm_failure" {
			o.publish(events.SourceReply, events.KindReplyFailure, map[string]any{
				"session_key": key, "error": outcome.SkipReason,
			})
		}
		return
	}

	var qt *sendpipeline.QuoteTarget
	if ev.QuoteTarget != nil {
		qt = &sendpipeline.QuoteTarget{MessageID: ev.QuoteTarget.MessageID, Seq: ev.QuoteTarget.Seq}
	}

	o.publish(events.SourceSend, events.KindTypingStart, map[string]any{"session_key": key})

	result := o.send.Send(ctx, sendpipeline.Input{
		SessionKey: key,
		GroupID:    ev.GroupID,
		Text:       outcome.Reply,
		Persona: sendpipeline.Persona{
			Verbosity:                outcome.Persona.Verbosity,
			MultiUtterancePreference: outcome.Persona.MultiUtterancePreference,
		},
		IsAtReply:           outcome.IsAtReply,
		ForceQuoteNextFlush: o.sessions.Get(key).ForceQuoteNextFlush(),
		QuoteTarget:         qt,
		CurrentSeq:          ev.Seq,
	})

	if result.Cancelled {
		o.publish(events.SourceSend, events.KindSendCancelled, map[string]any{"session_key": key})
	}
	if !result.Sent {
		return
	}

	sentAt := time.Now()
	o.sessions.ClearForceQuoteNextFlush(key)
	o.reply.CommitReply(replyEvent, outcome.Reply, sentAt, func() {
		o.energy.SpendOnReply()
	})
	o.sessions.SetLastBotReplyAt(key, sentAt)

	o.publish(events.SourceReply, events.KindReplyCommitted, map[string]any{
		"session_key": key, "mode": string(pr.Mode),
	})
}

// gatherPlannerInput collects the C4/C5 scores the planner needs and
// records group activity for non-bot events (spec.md §4.6: "Records
// recent group activity (via C5) for non-bot events").
func (o *Orchestrator) gatherPlannerInput(ev EnrichedEvent, key, targetUserID string, now time.Time) planner.Input {
	if !ev.FromBot {
		o.activity.RecordMessage(key, now)
	}

	st := o.sessions.Get(key)
	lastReply, hasLastReply := st.LastBotReplyAt()
	var since time.Duration
	if hasLastReply {
		since = now.Sub(lastReply)
	}

	spam := o.stats.Classify(ev.Platform, ev.GroupID, targetUserID, now)
	var urgency float64
	if spam == memberstats.SpamHelpSeeking {
		urgency = o.stats.UrgencyScore(ev.Platform, ev.GroupID, targetUserID, now)
	}

	return planner.Input{
		RawText:         ev.RawText,
		MentionsBot:     ev.MentionsBot,
		SinceLastReply:  since,
		HasLastReply:    hasLastReply,
		Intimacy:        o.stats.Intimacy(ev.Platform, ev.GroupID, targetUserID, now),
		GroupActivity:   o.activity.Score(key, now),
		Energy:          o.energy.Level(),
		Spam:            planner.SpamType(spam),
		Urgency:         urgency,
		RepetitionScore: o.stats.UserRepetitionScore(ev.Platform, ev.GroupID, targetUserID, now),
		GroupMemeScore:  o.stats.GroupMemeScore(ev.Platform, ev.GroupID, ev.RawText, now),
	}
}

// RotateIdleSessions clears SessionState for every session idle past
// idleThreshold (SPEC_FULL.md's idle-rotation supplement, adapted from
// signal.Bridge's SessionRotator). It does not touch the conversation
// log or persist anything; it only bounds the process-global session
// map's growth.
func (o *Orchestrator) RotateIdleSessions(idleThreshold time.Duration) {
	now := time.Now()
	for _, key := range o.sessions.IdleKeys(now, idleThreshold) {
		o.sessions.Reset(key)
		o.publish(events.SourceOrchestrator, events.KindSessionRotated, map[string]any{"session_key": key})
	}
}

func (o *Orchestrator) publish(source, kind string, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// SessionSnapshot is a JSON-friendly view of a session's turn-taking
// bookkeeping, for the debug surface.
type SessionSnapshot struct {
	SessionKey          string     `json:"session_key"`
	LastBotReplyAt      *time.Time `json:"last_bot_reply_at,omitempty"`
	ForceQuoteNextFlush bool       `json:"force_quote_next_flush"`
	TypingActive        bool       `json:"typing_active"`
	ConvLogTurns        int        `json:"conv_log_turns"`
}

// Snapshot returns key's current turn-taking state plus its retained
// conversation-log length (events.SourceSession's "debug WebSocket
// handler" consumer — see internal/events's package doc).
func (o *Orchestrator) Snapshot(key string) SessionSnapshot {
	st := o.sessions.Get(key)
	snap := SessionSnapshot{
		SessionKey:          key,
		ForceQuoteNextFlush: st.ForceQuoteNextFlush(),
		TypingActive:        st.ActiveTypingToken() != nil,
		ConvLogTurns:        o.convlog.Len(key),
	}
	if ts, ok := st.LastBotReplyAt(); ok {
		snap.LastBotReplyAt = &ts
	}
	return snap
}

// PreviewPrompt builds the [system, user] message pair convcontext and
// promptbuilder would assemble for key right now, using the configured
// persona and no dynamic style overlay. It is a read-only preview for
// the debug surface; it never runs the planner or touches any store.
func (o *Orchestrator) PreviewPrompt(key string) []promptbuilder.Message {
	ctxBuilder := convcontext.New(o.convlog)
	ctx := ctxBuilder.Build(key, time.Now())

	persona := promptbuilder.Persona{
		Name:        o.cfg.Persona.Name,
		Description: o.cfg.Persona.Description,
		Tone:        o.cfg.Persona.Tone,
	}

	targetText := ""
	targetUserID := ""
	if ctx.TargetTurn != nil {
		targetText = ctx.TargetTurn.Content
		targetUserID = ctx.TargetTurn.UserID
	}

	return promptbuilder.Build(promptbuilder.Params{
		Persona:      persona,
		Context:      ctx,
		TargetText:   targetText,
		TargetUserID: targetUserID,
	})
}
