// Package promptbuilder assembles the two-message (system, user) prompt
// sent to the LLM (C8), composing instruction/style/summary/memory/
// history/target sections in the fixed order spec.md §4.8 mandates.
// Grounded on internal/prompts' section-composition conventions and
// internal/agent/loop.go's message-array construction.
package promptbuilder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nugget/chatwarden/internal/convcontext"
	"github.com/nugget/chatwarden/internal/convlog"
)

// Message is one entry in the chat completion request, matching
// spec.md §6's LLM interface shape.
type Message struct {
	Role    string
	Content string
}

// Persona carries the persona identity fields used in the system
// message.
type Persona struct {
	Name        string
	Description string
	Tone        string
	Constraints string
}

// Style holds the dynamic style knobs rendered into the [STYLE] block.
// Zero-valued fields are treated as unset and omitted.
type Style struct {
	Tone     string
	Slang    *float64
	Intimacy *float64
}

// Params bundles everything Build needs beyond the conversation
// context itself.
type Params struct {
	Persona      Persona
	Style        Style
	Summary      string
	Memory       string
	Context      convcontext.Context
	TargetText   string
	TargetUserID string
}

const instructionBlock = "[INSTRUCTION]\n" +
	"1. 只回复 TARGET 部分的内容。\n" +
	"2. HISTORICAL 和 NEW_WINDOW 仅作为背景参考。\n" +
	"3. 遵守 STYLE 设定的语气与风格。\n" +
	"4. 如需分多条发送，最多使用 <brk> 分隔 3 段。\n" +
	"5. 只输出要发送的正文内容，不要输出多余换行。"

// Build composes the [system, user] messages for one reply attempt.
func Build(p Params) []Message {
	system := buildSystem(p.Persona)
	user := buildUser(p)
	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

func buildSystem(persona Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "你是 %s, %s\n", persona.Name, persona.Description)
	fmt.Fprintf(&b, "人设风格：%s\n", persona.Tone)
	b.WriteString("语言约束：禁止AI腔、讲大道理、格式化、分点、括号动作")
	if persona.Constraints != "" {
		b.WriteString("\n")
		b.WriteString(persona.Constraints)
	}
	return b.String()
}

func buildUser(p Params) string {
	var sections []string

	sections = append(sections, instructionBlock)

	if style := buildStyleBlock(p.Style); style != "" {
		sections = append(sections, style)
	}
	if p.Summary != "" {
		sections = append(sections, "[SUMMARY]\n"+p.Summary)
	}
	if p.Memory != "" {
		sections = append(sections, "[MEMORY]\n"+p.Memory)
	}
	if historical := buildHistorical(p.Context); historical != "" {
		sections = append(sections, historical)
	}
	if newWindow := buildNewWindow(p.Context); newWindow != "" {
		sections = append(sections, newWindow)
	}
	if target := buildTarget(p); target != "" {
		sections = append(sections, target)
	}

	return strings.Join(sections, "\n\n")
}

func buildStyleBlock(s Style) string {
	var parts []string
	if s.Tone != "" {
		parts = append(parts, "tone="+s.Tone)
	}
	if s.Slang != nil {
		parts = append(parts, "slang="+formatScore(*s.Slang))
	}
	if s.Intimacy != nil {
		parts = append(parts, "intimacy="+formatScore(*s.Intimacy))
	}
	if len(parts) == 0 {
		return ""
	}
	return "[STYLE] " + strings.Join(parts, "; ")
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// splitPoint is the index in Context.RecentTurns separating HISTORICAL
// (turns up to and including the last bot turn) from NEW_WINDOW
// (everything after it). When there is no bot turn in RecentTurns, all
// turns belong to NEW_WINDOW.
func splitPoint(turns []convlog.Turn) int {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == convlog.RoleBot {
			return i + 1
		}
	}
	return 0
}

func buildHistorical(ctx convcontext.Context) string {
	split := splitPoint(ctx.RecentTurns)
	if split == 0 {
		return ""
	}
	lines := renderTurns(ctx.RecentTurns[:split])
	if len(lines) == 0 {
		return ""
	}
	return "[HISTORICAL]\n" + strings.Join(lines, "\n")
}

func buildNewWindow(ctx convcontext.Context) string {
	split := splitPoint(ctx.RecentTurns)
	lines := renderTurns(ctx.RecentTurns[split:])
	if len(lines) == 0 {
		return ""
	}
	return "[NEW_WINDOW]\n" + strings.Join(lines, "\n")
}

func buildTarget(p Params) string {
	text := p.TargetText
	if text == "" && p.Context.TargetTurn != nil {
		text = p.Context.TargetTurn.Content
	}
	if text == "" {
		return ""
	}
	return "[TARGET]\n" + escapeNewlines(text)
}

// renderTurns formats each turn as "{name}: {text}", with bot turns
// rendered as "你" and mention-carrying historical turns prefixed with
// "@你 " when the text doesn't already contain it.
func renderTurns(turns []convlog.Turn) []string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		name := t.UserName
		if t.Role == convlog.RoleBot {
			name = "你"
		} else if name == "" {
			name = t.UserID
		}

		text := escapeNewlines(t.Content)
		if t.MentionsBot && !strings.Contains(text, "@你") {
			text = "@你 " + text
		}

		lines = append(lines, name+": "+text)
	}
	return lines
}

func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}
