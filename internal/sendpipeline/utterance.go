package sendpipeline

import (
	"strings"
)

// segmentRNG is the minimal randomness source PlanUtterance needs for
// its inter-segment jitter draw. It is satisfied by the package's RNG
// interface, kept separate so utterance.go has no dependency on
// sendpipeline.go's declaration order.
type segmentRNG interface {
	Float64() float64
}

// Persona carries the per-reply tone knobs the utterance planner uses
// to decide single vs. multi-segment delivery (spec.md §4.10.1).
type Persona struct {
	Verbosity                float64
	MultiUtterancePreference float64
}

// Segment is one unit of text to send, with the delay to wait before
// sending it (0 for the first segment).
type Segment struct {
	Text    string
	DelayMs int
}

// UtterancePlan is the output of PlanUtterance.
type UtterancePlan struct {
	Segments []Segment
}

var sentencePunctuation = []rune{'。', '！', '？', '!', '?', '\n'}
var clausePunctuation = []rune{'，', ','}

// PlanUtterance decides whether text should be sent as one message or
// split into multiple, following the length/verbosity/preference
// thresholds in spec.md §4.10.1. baseDelayMs/jitterMs/capMs come from
// the same segmentDelay.* configuration surface (spec.md §6) that
// governs the explicit <brk>-segment path, so an operator's
// segment_delay.* settings shape both split mechanisms.
func PlanUtterance(text string, persona Persona, isAtReply bool, rng segmentRNG, baseDelayMs, jitterMs, capMs int) UtterancePlan {
	runes := []rune(text)
	length := len(runes)

	if shouldSendSingle(length, persona, isAtReply) {
		return UtterancePlan{Segments: []Segment{{Text: text, DelayMs: 0}}}
	}

	parts := splitOnRunes(text, sentencePunctuation)
	var expanded []string
	for _, p := range parts {
		if len([]rune(p)) > 40 {
			expanded = append(expanded, splitOnRunes(p, clausePunctuation)...)
		} else {
			expanded = append(expanded, p)
		}
	}

	target := targetSegmentCount(length, persona)
	expanded = coalesceToTarget(expanded, target)

	segments := make([]Segment, 0, len(expanded))
	for i, part := range expanded {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if i < len(expanded)-1 {
			trimmed = stripTrailingSentencePunctuation(trimmed)
		}
		delay := 0
		if len(segments) > 0 {
			jitter := 0.0
			if rng != nil {
				jitter = rng.Float64() * float64(jitterMs)
			}
			delay = int((float64(baseDelayMs) + jitter) * (1 + 0.3*persona.Verbosity))
			if capMs > 0 && delay > capMs {
				delay = capMs
			}
		}
		segments = append(segments, Segment{Text: trimmed, DelayMs: delay})
	}

	if len(segments) == 0 {
		return UtterancePlan{Segments: []Segment{{Text: text, DelayMs: 0}}}
	}

	return UtterancePlan{Segments: segments}
}

func shouldSendSingle(length int, persona Persona, isAtReply bool) bool {
	if length <= 40 {
		return true
	}
	if length <= 80 && persona.Verbosity < 0.5 {
		return true
	}
	if length <= 150 && (persona.Verbosity < 0.2 || persona.MultiUtterancePreference < 0.2) {
		return true
	}
	if isAtReply && length <= 120 && persona.Verbosity < 0.6 {
		return true
	}
	return false
}

// targetSegmentCount scales 2-4 with length and the persona's
// preferences, per spec.md §4.10.1.
func targetSegmentCount(length int, persona Persona) int {
	target := 2
	if length > 120 {
		target++
	}
	if length > 220 {
		target++
	}
	if persona.MultiUtterancePreference > 0.7 && target < 4 {
		target++
	}
	if target > 4 {
		target = 4
	}
	return target
}

// coalesceToTarget merges adjacent parts when there are more parts than
// target wants, preserving order.
func coalesceToTarget(parts []string, target int) []string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if target < 1 {
		target = 1
	}
	for len(nonEmpty) > target {
		// Merge the last two parts together to shrink toward target.
		n := len(nonEmpty)
		merged := nonEmpty[n-2] + nonEmpty[n-1]
		nonEmpty = append(nonEmpty[:n-2], merged)
	}
	return nonEmpty
}

func splitOnRunes(text string, seps []rune) []string {
	sepSet := make(map[rune]bool, len(seps))
	for _, s := range seps {
		sepSet[s] = true
	}

	var parts []string
	var cur strings.Builder
	for _, r := range text {
		if sepSet[r] {
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func stripTrailingSentencePunctuation(s string) string {
	runes := []rune(s)
	end := len(runes)
	for end > 0 {
		isSentencePunct := false
		for _, p := range sentencePunctuation {
			if runes[end-1] == p {
				isSentencePunct = true
				break
			}
		}
		if !isSentencePunct {
			break
		}
		end--
	}
	return string(runes[:end])
}
