// Package planner implements the reply planner (C6): a pure decision
// function that turns an event plus the current member/energy/activity
// scores into a PlanResult describing whether and how the bot should
// reply. Grounded on internal/router/router.go's decision-with-
// reasoning-trail shape (Decision{RulesEvaluated, Scores, Reasoning}),
// adapted from model selection to reply-or-not planning.
package planner

import (
	"strings"
	"time"
)

// Mode is the reply style the planner selected.
type Mode string

// Reply modes, matching spec.md §3's PlanResult.mode enumeration.
const (
	ModeIgnore             Mode = "ignore"
	ModeCommand            Mode = "command"
	ModeSmalltalk          Mode = "smalltalk"
	ModeCasual             Mode = "casual"
	ModeFragment           Mode = "fragment"
	ModeDirectAnswer       Mode = "directAnswer"
	ModePassiveAcknowledge Mode = "passiveAcknowledge"
	ModePlayfulTease       Mode = "playfulTease"
	ModeEmpathySupport     Mode = "empathySupport"
	ModeDeflect            Mode = "deflect"
)

// SpamType mirrors memberstats.SpamType without importing that package,
// keeping the planner free of a dependency on the stats store's shape
// beyond the scalar inputs it actually needs.
type SpamType string

// Spam classifications as seen by the planner.
const (
	SpamNormal      SpamType = "NORMAL"
	SpamHelpSeeking SpamType = "HELP_SEEKING"
	SpamMemePlay    SpamType = "MEME_PLAY"
	SpamNoise       SpamType = "NOISE"
)

// RNG is the source of randomness the planner draws from for skip
// decisions and mode mixing. Accepting it as a dependency keeps the
// planner deterministic under test (spec.md §9: "Probabilistic paths
// -> injectable RNG").
type RNG interface {
	// Float64 returns a pseudo-random number in [0.0, 1.0).
	Float64() float64
}

// Input bundles everything the planner needs to decide, gathered by the
// orchestrator from C3-C5 before invoking Plan.
type Input struct {
	RawText         string
	MentionsBot     bool
	SinceLastReply  time.Duration
	HasLastReply    bool
	Intimacy        float64
	GroupActivity   float64
	Energy          float64
	Spam            SpamType
	Urgency         float64
	RepetitionScore float64
	GroupMemeScore  float64
}

// Result is the planner's decision (spec.md's PlanResult).
type Result struct {
	ShouldReply bool
	Mode        Mode
	DelayMs     int
	Probability float64
	Factors     map[string]float64
	DebugReason string
}

const (
	hardCooldown = 5 * time.Second
	softCooldown = 12 * time.Second
	softSkipProb = 0.65
)

var topicKeywords = []string{"天气", "新闻", "股票", "游戏", "电影", "音乐"}
var helpWords = []string{"怎么", "为什么", "帮", "help", "how", "why"}
var strongEmotionMarkers = []string{"!", "！", "气死", "烦", "难过", "angry", "sad"}

func isQuestion(text string) bool {
	return strings.Contains(text, "?") || strings.Contains(text, "？") || containsAny(text, []string{"吗", "呢", "怎么", "为什么"})
}

func containsAny(text string, words []string) bool {
	low := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(low, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func hasStrongEmotion(text string) bool {
	return containsAny(text, strongEmotionMarkers)
}

func isCommand(text string) bool {
	return strings.HasPrefix(text, "/") || strings.HasPrefix(text, "！")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Plan evaluates in.Input against the layered scoring algorithm in
// spec.md §4.6 and returns a deterministic decision given rng's draws.
func Plan(in Input, rng RNG) Result {
	if isCommand(in.RawText) {
		return Result{ShouldReply: true, Mode: ModeCommand, DelayMs: 0, Probability: 1, DebugReason: "command prefix"}
	}

	if in.MentionsBot {
		return Result{ShouldReply: true, Mode: ModeSmalltalk, DelayMs: 600, Probability: 1, DebugReason: "direct mention"}
	}

	question := isQuestion(in.RawText)
	emotional := hasStrongEmotion(in.RawText)

	if in.HasLastReply {
		if in.SinceLastReply < hardCooldown && !question && !emotional {
			return Result{ShouldReply: false, Mode: ModeIgnore, DebugReason: "hard cooldown"}
		}
		if in.SinceLastReply >= hardCooldown && in.SinceLastReply < softCooldown && !question && !emotional {
			if rng.Float64() < softSkipProb {
				return Result{ShouldReply: false, Mode: ModeIgnore, DebugReason: "soft cooldown skip"}
			}
		}
	}

	baseInterest := computeBaseInterest(in.RawText, question, rng)
	socialAttention := clamp01(0.5*in.Intimacy+0.5*boolToFloat(in.MentionsBot)) * 0.7
	personaTalkativeness := 0.35
	energyFactor := in.Energy

	p := 0.20*baseInterest + 0.25*socialAttention + 0.10*personaTalkativeness + 0.25*energyFactor

	if in.GroupActivity > 0.7 {
		p *= 0.3
	} else if in.GroupActivity > 0.5 {
		p *= 0.5
	}

	switch in.Spam {
	case SpamHelpSeeking:
		p *= 1.2
		if in.Urgency > 0.65 && p < 0.5 {
			p = 0.5
		}
	case SpamMemePlay:
		p *= 0.6
	case SpamNoise:
		p *= 0.2
	}

	if in.RepetitionScore > 0.5 && in.Spam != SpamHelpSeeking {
		p *= 0.5
	}
	if in.GroupMemeScore > 0.4 {
		p += 0.05
	}

	p = clamp01(p)

	factors := map[string]float64{
		"baseInterest":    baseInterest,
		"socialAttention": socialAttention,
		"energyFactor":    energyFactor,
		"groupActivity":   in.GroupActivity,
	}

	draw := rng.Float64()
	if draw >= p {
		return Result{ShouldReply: false, Mode: ModeIgnore, Probability: p, Factors: factors, DebugReason: "probability skip"}
	}

	mode := selectMode(in, rng)
	delayMs := 500 + int(rng.Float64()*300)

	return Result{
		ShouldReply: true,
		Mode:        mode,
		DelayMs:     delayMs,
		Probability: p,
		Factors:     factors,
		DebugReason: "reply",
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// computeBaseInterest scores text on [0, 0.6], with a 10% chance of a
// "lurking" short-circuit that forces a low 0.05 score regardless of
// content.
func computeBaseInterest(text string, question bool, rng RNG) float64 {
	if rng.Float64() < 0.10 {
		return 0.05
	}

	score := 0.0
	if question {
		score += 0.25
	}
	if containsAny(text, helpWords) {
		score += 0.25
	}
	lengthScore := float64(len([]rune(text))) / 100
	if lengthScore > 0.2 {
		lengthScore = 0.2
	}
	score += lengthScore
	if containsAny(text, topicKeywords) {
		score += 0.1
	}

	return clamp01(score) * 0.6
}

// selectMode picks the reply style once the planner has committed to
// replying, by intimacy band with a small random mix, per spec.md §4.6
// step 7.
func selectMode(in Input, rng RNG) Mode {
	if in.Spam == SpamHelpSeeking && in.Urgency > 0.7 {
		return ModeDirectAnswer
	}

	if in.Intimacy > 0.7 {
		if rng.Float64() < 0.25 {
			return ModePlayfulTease
		}
	}

	if in.Intimacy < 0.35 {
		roll := rng.Float64()
		switch {
		case roll < 0.4:
			return ModeFragment
		case roll < 0.75:
			return ModePassiveAcknowledge
		default:
			return ModeCasual
		}
	}

	roll := rng.Float64()
	switch {
	case roll < 0.70:
		return ModeCasual
	case roll < 0.90:
		return ModeFragment
	default:
		return ModeSmalltalk
	}
}
