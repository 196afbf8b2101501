// Package sendpipeline implements the send pipeline (C10): typing
// delay, segment splitting, cancellation checks at every suspension
// point, and the reply-to (quote) decision. Grounded on
// internal/signal/bridge.go's startTypingRefresh/handleMessage
// send-then-cleanup flow, adapted from a keep-alive typing refresh loop
// to a single bounded typing delay per spec.md §4.10.
package sendpipeline

import (
	"context"
	"strings"
	"time"

	"github.com/nugget/chatwarden/internal/config"
	"github.com/nugget/chatwarden/internal/session"
)

// Sender is the outbound adapter contract (spec.md §6): sendText must
// be safe to call concurrently across sessions.
type Sender interface {
	SendText(ctx context.Context, groupID, text string, replyTo string) error
}

// TypingNotifier re-asserts a platform's typing indicator. Most chat
// platforms' native typing indicators expire after ~15s, so the send
// pipeline re-sends one every typingRefreshInterval while it sleeps
// through the simulated typing delay, adapted from
// signal.Bridge.startTypingRefresh. Optional: a nil notifier leaves the
// typing delay a plain sleep.
type TypingNotifier interface {
	Typing(ctx context.Context, groupID string) error
}

// typingRefreshInterval mirrors signal.Bridge's 10s keep-alive cadence.
const typingRefreshInterval = 10 * time.Second

// RNG supplies the jitter draws used by the typing and inter-segment
// delay formulas. Accepting it as a dependency keeps delays
// deterministic under test.
type RNG interface {
	Float64() float64
}

// QuoteTarget is the user turn a reply may reference via the
// platform's native quote mechanism.
type QuoteTarget struct {
	MessageID string
	Seq       uint64
}

// Input bundles everything Send needs for one dispatch.
type Input struct {
	SessionKey          string
	GroupID             string
	Text                string
	Persona             Persona
	IsAtReply           bool
	ForceQuoteNextFlush bool
	QuoteTarget         *QuoteTarget
	CurrentSeq          uint64
}

// Result is what Send returns (spec.md's {sent, cancelled}).
type Result struct {
	Sent      bool
	Cancelled bool
}

// quoteMessageGapThreshold is how many sequence numbers must separate
// the current event from the quote target before an implicit (non
// forced) quote reference is attached (spec.md config
// quote.messageGapThreshold default 3).
const quoteMessageGapThreshold = 3

// Pipeline sends a reply produced by the reply pipeline, owning the
// typing token for the duration of the send.
type Pipeline struct {
	sessions       *session.Store
	sender         Sender
	rng            RNG
	sleep          func(time.Duration)
	typingNotifier TypingNotifier
	typing         config.TypingConfig
	segmentDelay   config.SegmentDelayConfig
}

// New creates a send Pipeline. rng must not be nil in production; tests
// may inject a deterministic source. typing and segmentDelay come from
// spec.md §6's typing.*/segmentDelay.* configuration surface
// (config.Config.Typing/SegmentDelay); a zero-valued typing or
// segmentDelay falls back to spec.md's documented defaults.
func New(sessions *session.Store, sender Sender, rng RNG, typing config.TypingConfig, segmentDelay config.SegmentDelayConfig) *Pipeline {
	if typing.MinMs == 0 && typing.MaxMs == 0 {
		typing = config.TypingConfig{MinMs: 2800, MaxMs: 8000, BaseMs: 1000, PerCharMs: 60, JitterMs: 1500}
	}
	if segmentDelay.BaseMs == 0 && segmentDelay.CapMs == 0 {
		segmentDelay = config.SegmentDelayConfig{BaseMs: 500, PerCharMs: 40, JitterMs: 700, CapMs: 3000}
	}
	return &Pipeline{
		sessions:     sessions,
		sender:       sender,
		rng:          rng,
		sleep:        time.Sleep,
		typing:       typing,
		segmentDelay: segmentDelay,
	}
}

// SetTypingNotifier installs an optional typing-indicator keep-alive,
// re-asserted every typingRefreshInterval while the pipeline sleeps
// through the simulated typing delay (spec.md §9 supplemented feature).
func (p *Pipeline) SetTypingNotifier(n TypingNotifier) {
	p.typingNotifier = n
}

// Send runs the full C10 algorithm: acquire a typing token, decide
// whether to attach a quote reference, plan the utterance segments,
// wait out the typing delay, then dispatch each segment, checking
// cancellation at every suspension point. EndTyping always runs on
// exit, regardless of outcome.
func (p *Pipeline) Send(ctx context.Context, in Input) Result {
	token := p.sessions.StartTyping(in.SessionKey)
	defer p.sessions.EndTyping(in.SessionKey, token)

	replyTo := p.resolveReplyTo(in)

	typingDelay := clampDuration(
		time.Duration(p.typing.BaseMs+p.typing.PerCharMs*len([]rune(in.Text)))*time.Millisecond+jitter(p.rng, p.typing.JitterMs),
		time.Duration(p.typing.MinMs)*time.Millisecond, time.Duration(p.typing.MaxMs)*time.Millisecond,
	)

	p.runTypingDelay(ctx, in.GroupID, typingDelay)
	if token.Cancelled() {
		return Result{Sent: false, Cancelled: true}
	}

	if strings.Contains(in.Text, "<brk>") || strings.Contains(in.Text, "\n") {
		return p.sendExplicitSegments(ctx, in, replyTo, token)
	}
	return p.sendPlannedSegments(ctx, in, replyTo, token)
}

// runTypingDelay sleeps for delay, re-asserting the typing indicator
// every typingRefreshInterval if a TypingNotifier is installed. With no
// notifier this is a plain p.sleep(delay).
func (p *Pipeline) runTypingDelay(ctx context.Context, groupID string, delay time.Duration) {
	if p.typingNotifier == nil {
		p.sleep(delay)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.sleep(delay)
	}()

	p.typingNotifier.Typing(ctx, groupID)
	ticker := time.NewTicker(typingRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.typingNotifier.Typing(ctx, groupID)
		}
	}
}

func (p *Pipeline) resolveReplyTo(in Input) string {
	if in.QuoteTarget == nil || in.QuoteTarget.MessageID == "" || in.QuoteTarget.MessageID == "0" {
		return ""
	}
	if in.ForceQuoteNextFlush {
		return in.QuoteTarget.MessageID
	}
	if in.CurrentSeq >= in.QuoteTarget.Seq && in.CurrentSeq-in.QuoteTarget.Seq >= quoteMessageGapThreshold {
		return in.QuoteTarget.MessageID
	}
	return ""
}

func (p *Pipeline) sendExplicitSegments(ctx context.Context, in Input, replyTo string, token *session.TypingToken) Result {
	segments := splitExplicitSegments(in.Text)
	prevLen := 0

	for i, seg := range segments {
		if i > 0 {
			delay := clampDuration(
				time.Duration(p.segmentDelay.BaseMs+p.segmentDelay.PerCharMs*prevLen)*time.Millisecond+jitter(p.rng, p.segmentDelay.JitterMs),
				0, time.Duration(p.segmentDelay.CapMs)*time.Millisecond,
			)
			if token.Cancelled() {
				return Result{Sent: false, Cancelled: true}
			}
			p.sleep(delay)
			if token.Cancelled() {
				return Result{Sent: false, Cancelled: true}
			}
		}

		rt := ""
		if i == 0 {
			rt = replyTo
		}
		if err := p.sender.SendText(ctx, in.GroupID, seg, rt); err != nil {
			return Result{Sent: i > 0, Cancelled: false}
		}
		prevLen = len([]rune(seg))
	}

	return Result{Sent: true, Cancelled: false}
}

func (p *Pipeline) sendPlannedSegments(ctx context.Context, in Input, replyTo string, token *session.TypingToken) Result {
	plan := PlanUtterance(in.Text, in.Persona, in.IsAtReply, p.rng, p.segmentDelay.BaseMs, p.segmentDelay.JitterMs, p.segmentDelay.CapMs)

	for i, seg := range plan.Segments {
		if seg.DelayMs > 0 {
			if token.Cancelled() {
				return Result{Sent: false, Cancelled: true}
			}
			p.sleep(time.Duration(seg.DelayMs) * time.Millisecond)
			if token.Cancelled() {
				return Result{Sent: false, Cancelled: true}
			}
		}

		rt := ""
		if i == 0 {
			rt = replyTo
		}
		if err := p.sender.SendText(ctx, in.GroupID, seg.Text, rt); err != nil {
			return Result{Sent: i > 0, Cancelled: false}
		}
	}

	return Result{Sent: true, Cancelled: false}
}

// splitExplicitSegments splits on <brk>, then on newlines, trims, drops
// empties, and keeps at most the first 3 segments (spec.md §4.10 step 6).
func splitExplicitSegments(text string) []string {
	var out []string
	for _, part := range strings.Split(text, "<brk>") {
		for _, line := range strings.Split(part, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			out = append(out, trimmed)
			if len(out) == 3 {
				return out
			}
		}
	}
	return out
}

func jitter(rng RNG, maxMs int) time.Duration {
	if rng == nil {
		return 0
	}
	return time.Duration(rng.Float64()*float64(maxMs)) * time.Millisecond
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
