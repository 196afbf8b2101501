// Package turntaking implements the turn-taking guard applied to
// debounced snapshots before the reply pipeline runs, and the typing-
// interruption rule applied while a send is in flight (C11). Grounded
// on internal/signal/bridge.go's typing lifecycle and session typing-
// token ownership.
package turntaking

import (
	"strings"
	"time"
)

// interruptThreshold is the number of new user messages received while
// typing that triggers cancellation (spec.md §4.11, config
// interrupt.threshold default 3).
const interruptThreshold = 3

var interrogativeLexicon = []string{"吗", "呢", "怎么", "为什么", "什么"}

// GuardInput bundles what the guard needs to decide.
type GuardInput struct {
	ForceQuoteNextFlush bool
	SinceLastBotReply   time.Duration
	HasLastBotReply     bool
	Count               int
	MergedText          string
}

// GuardResult is the guard's decision.
type GuardResult struct {
	Allow       bool
	ForceQuote  bool
	DebugReason string
}

// Guard evaluates the pre-send turn-taking rule from spec.md §4.11:
// force-quote always allows; a sufficiently stale last reply allows;
// otherwise a multi-message burst containing a question allows.
func Guard(in GuardInput) GuardResult {
	if in.ForceQuoteNextFlush {
		return GuardResult{Allow: true, ForceQuote: true, DebugReason: "force-quote"}
	}

	if !in.HasLastBotReply || in.SinceLastBotReply >= 5*time.Second {
		return GuardResult{Allow: true, DebugReason: "cooldown elapsed"}
	}

	if in.Count >= 2 && containsQuestion(in.MergedText) {
		return GuardResult{Allow: true, DebugReason: "multi-message question"}
	}

	return GuardResult{Allow: false, DebugReason: "skip"}
}

func containsQuestion(text string) bool {
	if strings.Contains(text, "?") || strings.Contains(text, "？") {
		return true
	}
	for _, w := range interrogativeLexicon {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// ShouldCancel reports whether incomingWhileTyping has reached the
// threshold at which the active typing token must be cancelled.
func ShouldCancel(incomingWhileTyping int) bool {
	return incomingWhileTyping >= interruptThreshold
}
