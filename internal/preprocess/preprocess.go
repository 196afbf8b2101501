// Package preprocess implements the event preprocessor and classifier
// (C3): it appends every inbound event to the conversation log as a
// turn, detects command/mention/stale-backfill conditions, and updates
// member stats for events worth tracking. Grounded on
// internal/signal/bridge.go's inline classify-then-rate-limit-then-
// dispatch flow.
package preprocess

import (
	"strings"
	"time"

	"github.com/nugget/chatwarden/internal/convlog"
	"github.com/nugget/chatwarden/internal/memberstats"
)

// staleBackfillThreshold is how far ingestTime may lag eventTime before
// a non-mention, non-command message is treated as stale backfill
// (spec.md §4.3).
const staleBackfillThreshold = 30 * time.Second

// commandPrefixes are the recognized command markers (ASCII slash and
// the full-width variant used by some CJK keyboards).
var commandPrefixes = []string{"/", "！"}

// Event is the minimal shape the preprocessor needs from a ChatEvent.
// Defined locally (rather than importing the orchestrator package) to
// avoid a dependency cycle; the orchestrator adapts its ChatEvent into
// this shape.
type Event struct {
	Platform    string
	GroupID     string
	UserID      string
	UserName    string
	RawText     string
	EventTime   time.Time
	IngestTime  time.Time
	MentionsBot bool
	FromBot     bool
}

// Classification is the result of classifying one event.
type Classification struct {
	IsCommand bool
	IsMention bool
}

// Result is what Process returns: whether the orchestrator should
// continue handling the event, and its classification.
type Result struct {
	ShouldContinue bool
	Classification Classification
}

// RateLimiter is an optional collaborator consulted before member
// stats are updated; a nil RateLimiter means no rate limiting.
// Grounded on signal.Bridge's allowSender sliding-window limiter.
type RateLimiter interface {
	Allow(platform, groupID, userID string, now time.Time) bool
}

// Preprocessor appends conversation turns and updates member stats for
// every event that reaches the orchestrator, deciding whether
// processing should continue downstream (spec.md §4.3).
type Preprocessor struct {
	convlog *convlog.Store
	stats   *memberstats.Store
	limiter RateLimiter
}

// New creates a Preprocessor. limiter may be nil.
func New(log *convlog.Store, stats *memberstats.Store, limiter RateLimiter) *Preprocessor {
	return &Preprocessor{convlog: log, stats: stats, limiter: limiter}
}

// IsCommand reports whether text begins with a recognized command
// marker.
func IsCommand(text string) bool {
	for _, p := range commandPrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

// Classify derives {isCommand, isMention} from an event, independent of
// any state (spec.md §4.3's classify(event)).
func Classify(ev Event) Classification {
	return Classification{
		IsCommand: IsCommand(ev.RawText),
		IsMention: ev.MentionsBot,
	}
}

// sessionKey mirrors the orchestrator's session key convention.
func sessionKey(platform, groupID string) string {
	return platform + ":" + groupID
}

// Process appends ev to the conversation log and, unless it is from the
// bot or is stale backfill, updates member stats. Returns whether the
// orchestrator should continue handling ev.
func (p *Preprocessor) Process(ev Event) Result {
	cls := Classify(ev)

	turnTime := ev.EventTime
	if turnTime.IsZero() {
		turnTime = ev.IngestTime
	}

	role := convlog.RoleUser
	if ev.FromBot {
		role = convlog.RoleBot
	}

	p.convlog.AppendTurn(sessionKey(ev.Platform, ev.GroupID), convlog.Turn{
		Role:        role,
		Content:     ev.RawText,
		Timestamp:   turnTime,
		UserID:      ev.UserID,
		UserName:    ev.UserName,
		MentionsBot: ev.MentionsBot,
		IsCommand:   cls.IsCommand,
	})

	if ev.FromBot {
		return Result{ShouldContinue: false, Classification: cls}
	}

	if isStaleBackfill(ev, cls) {
		return Result{ShouldContinue: false, Classification: cls}
	}

	if p.limiter != nil && !p.limiter.Allow(ev.Platform, ev.GroupID, ev.UserID, ev.IngestTime) {
		return Result{ShouldContinue: false, Classification: cls}
	}

	p.stats.OnUserMessage(ev.Platform, ev.GroupID, ev.UserID, turnTime, ev.RawText, ev.MentionsBot)

	return Result{ShouldContinue: true, Classification: cls}
}

// isStaleBackfill reports whether ev should be treated as backfill
// that arrived too late to warrant a live response: not a mention, not
// a command, and ingested more than staleBackfillThreshold after it
// was sent.
func isStaleBackfill(ev Event, cls Classification) bool {
	if cls.IsMention || cls.IsCommand {
		return false
	}
	if ev.EventTime.IsZero() || ev.IngestTime.IsZero() {
		return false
	}
	return ev.IngestTime.Sub(ev.EventTime) > staleBackfillThreshold
}
