package promptbuilder

import (
	"strings"
	"testing"

	"github.com/nugget/chatwarden/internal/convcontext"
	"github.com/nugget/chatwarden/internal/convlog"
)

func TestBuildProducesSystemAndUserMessages(t *testing.T) {
	msgs := Build(Params{
		Persona:    Persona{Name: "小艾", Description: "一个爱聊天的助手", Tone: "俏皮"},
		TargetText: "你好",
	})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("unexpected roles: %+v", msgs)
	}
}

func TestSystemMessageIncludesPersonaFields(t *testing.T) {
	msgs := Build(Params{Persona: Persona{Name: "小艾", Description: "爱聊天", Tone: "俏皮"}})
	sys := msgs[0].Content
	if !strings.Contains(sys, "小艾") || !strings.Contains(sys, "俏皮") {
		t.Errorf("system message missing persona fields: %q", sys)
	}
	if !strings.Contains(sys, "禁止AI腔") {
		t.Errorf("system message missing language constraints: %q", sys)
	}
}

func TestUserMessageOmitsEmptySections(t *testing.T) {
	msgs := Build(Params{TargetText: "hi"})
	user := msgs[1].Content
	if strings.Contains(user, "[STYLE]") || strings.Contains(user, "[SUMMARY]") || strings.Contains(user, "[MEMORY]") {
		t.Errorf("expected empty sections to be omitted: %q", user)
	}
	if !strings.Contains(user, "[INSTRUCTION]") || !strings.Contains(user, "[TARGET]") {
		t.Errorf("expected instruction and target sections present: %q", user)
	}
}

func TestStyleBlockRendersOnlySetFields(t *testing.T) {
	intimacy := 0.5
	msgs := Build(Params{
		Style:      Style{Tone: "playful", Intimacy: &intimacy},
		TargetText: "hi",
	})
	user := msgs[1].Content
	if !strings.Contains(user, "tone=playful") || !strings.Contains(user, "intimacy=0.50") {
		t.Errorf("style block missing expected fields: %q", user)
	}
	if strings.Contains(user, "slang=") {
		t.Errorf("expected slang to be omitted when unset: %q", user)
	}
}

func TestHistoricalAndNewWindowSplitAtLastBotTurn(t *testing.T) {
	ctx := convcontext.Context{
		RecentTurns: []convlog.Turn{
			{Role: convlog.RoleUser, Content: "a", UserName: "u1"},
			{Role: convlog.RoleBot, Content: "b"},
			{Role: convlog.RoleUser, Content: "c", UserName: "u1"},
		},
	}
	msgs := Build(Params{Context: ctx, TargetText: "target"})
	user := msgs[1].Content

	histIdx := strings.Index(user, "[HISTORICAL]")
	newIdx := strings.Index(user, "[NEW_WINDOW]")
	if histIdx == -1 || newIdx == -1 || histIdx > newIdx {
		t.Fatalf("expected HISTORICAL before NEW_WINDOW: %q", user)
	}
	if !strings.Contains(user, "你: b") {
		t.Errorf("expected bot turn rendered as 你: %q", user)
	}
}

func TestMentionPrefixAddedWhenAbsent(t *testing.T) {
	ctx := convcontext.Context{
		RecentTurns: []convlog.Turn{
			{Role: convlog.RoleUser, Content: "hello", UserName: "u1", MentionsBot: true},
		},
	}
	msgs := Build(Params{Context: ctx, TargetText: "x"})
	if !strings.Contains(msgs[1].Content, "@你 hello") {
		t.Errorf("expected mention prefix added, got %q", msgs[1].Content)
	}
}

func TestEscapeNewlinesInTargetText(t *testing.T) {
	msgs := Build(Params{TargetText: "line1\nline2"})
	if !strings.Contains(msgs[1].Content, "line1\\nline2") {
		t.Errorf("expected escaped newline, got %q", msgs[1].Content)
	}
}

func TestSectionOrderIsFixed(t *testing.T) {
	s := 0.3
	ctx := convcontext.Context{
		RecentTurns: []convlog.Turn{{Role: convlog.RoleUser, Content: "a", UserName: "u1"}},
	}
	msgs := Build(Params{
		Style:      Style{Slang: &s},
		Summary:    "summary text",
		Memory:     "memory text",
		Context:    ctx,
		TargetText: "target text",
	})
	user := msgs[1].Content

	order := []string{"[INSTRUCTION]", "[STYLE]", "[SUMMARY]", "[MEMORY]", "[NEW_WINDOW]", "[TARGET]"}
	last := -1
	for _, marker := range order {
		idx := strings.Index(user, marker)
		if idx == -1 {
			t.Fatalf("expected marker %q present in %q", marker, user)
		}
		if idx <= last {
			t.Fatalf("marker %q out of order in %q", marker, user)
		}
		last = idx
	}
}
