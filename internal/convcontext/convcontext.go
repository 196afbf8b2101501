// Package convcontext implements the context builder (C7): it selects
// the HISTORICAL and NEW_WINDOW turn slices and an optional topic-
// summary hint that feed the prompt builder. Grounded on
// internal/memory/store.go's message-window slicing idiom and
// internal/agent/composite_context.go's layered-context assembly.
package convcontext

import (
	"strings"
	"time"

	"github.com/nugget/chatwarden/internal/convlog"
)

const (
	fetchWindow       = 40
	recentTurnsLimit  = 12
	defaultCandidate  = 6
	sameSpeakerWindow = 5 * time.Second
	recentBotWindow   = 2 * time.Minute
)

// Meta carries the derived scalars the prompt builder and planner use
// to describe the conversational moment.
type Meta struct {
	SinceLastBotMs  int64
	MessagesInWindow int
	IsSameTopic     bool
}

// Context is the output of Build (spec.md's ReplyContext).
type Context struct {
	RecentTurns  []convlog.Turn
	TargetTurn   *convlog.Turn
	TopicSummary string
	Meta         Meta
}

// Builder builds ReplyContext values from the conversation log.
type Builder struct {
	log *convlog.Store
}

// New creates a context Builder over log.
func New(log *convlog.Store) *Builder {
	return &Builder{log: log}
}

// Build constructs the ReplyContext for sessionKey as of now.
func (b *Builder) Build(sessionKey string, now time.Time) Context {
	turns := b.log.GetRecentTurns(sessionKey, fetchWindow)
	if len(turns) == 0 {
		return Context{}
	}

	lastBotIdx := -1
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == convlog.RoleBot {
			lastBotIdx = i
			break
		}
	}

	var sinceLastBotMs int64 = -1
	if lastBotIdx >= 0 {
		sinceLastBotMs = now.Sub(turns[lastBotIdx].Timestamp).Milliseconds()
	}

	var candidate []convlog.Turn
	if lastBotIdx >= 0 && sinceLastBotMs >= 0 && time.Duration(sinceLastBotMs)*time.Millisecond < recentBotWindow {
		start := lastBotIdx - 5
		if start < 0 {
			start = 0
		}
		candidate = turns[start:]
	} else {
		start := len(turns) - defaultCandidate
		if start < 0 {
			start = 0
		}
		candidate = turns[start:]
	}

	targetTurn := mergeSameSpeakerRun(candidate)

	recent := candidate
	if len(recent) > recentTurnsLimit {
		recent = recent[len(recent)-recentTurnsLimit:]
	}

	messagesInWindow := 0
	for _, t := range candidate {
		if t.Role == convlog.RoleUser {
			messagesInWindow++
		}
	}

	isSameTopic := sinceLastBotMs >= 0 && time.Duration(sinceLastBotMs)*time.Millisecond < recentBotWindow && messagesInWindow > 1

	return Context{
		RecentTurns:  recent,
		TargetTurn:   targetTurn,
		TopicSummary: topicSummary(candidate),
		Meta: Meta{
			SinceLastBotMs:   sinceLastBotMs,
			MessagesInWindow: messagesInWindow,
			IsSameTopic:      isSameTopic,
		},
	}
}

// mergeSameSpeakerRun walks candidate backwards, extending the target
// run while the prior turn shares the same userId and arrived within
// sameSpeakerWindow of the current target. Returns the last turn of the
// resulting run.
func mergeSameSpeakerRun(candidate []convlog.Turn) *convlog.Turn {
	if len(candidate) == 0 {
		return nil
	}
	idx := len(candidate) - 1
	target := candidate[idx]

	for idx > 0 {
		prior := candidate[idx-1]
		if prior.UserID != target.UserID {
			break
		}
		if target.Timestamp.Sub(prior.Timestamp) > sameSpeakerWindow {
			break
		}
		idx--
	}

	t := candidate[len(candidate)-1]
	return &t
}

var emojiPlayLexicon = []string{"😂", "😭", "🤣", "😅"}
var teaseMarker = "@"
var laughterTokens = []string{"哈哈", "lol", "lmao"}

// topicSummary applies the first-match-wins heuristic from spec.md
// §4.7 over candidate's text, or returns "" when nothing matches.
func topicSummary(candidate []convlog.Turn) string {
	joined := joinContent(candidate)

	if strings.ContainsAny(joined, "?？") {
		return "刚刚在问问题或讨论某个疑问"
	}
	if containsAnyRune(joined, emojiPlayLexicon) {
		return "表情包玩梗"
	}
	if strings.Contains(joined, teaseMarker) {
		return "互相调侃"
	}
	if containsAnyRune(joined, laughterTokens) {
		return "气氛活跃"
	}
	return ""
}

func joinContent(turns []convlog.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Content)
		b.WriteString(" ")
	}
	return b.String()
}

func containsAnyRune(s string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}
