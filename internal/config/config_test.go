package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("debounce:\n  delay_ms: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("debounce:\n  delay_ms: 5000\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("anthropic:\n  api_key: ${CHATWARDEN_TEST_KEY}\n"), 0600)
	os.Setenv("CHATWARDEN_TEST_KEY", "sk-ant-test")
	defer os.Unsetenv("CHATWARDEN_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-test" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-ant-test")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("anthropic:\n  api_key: sk-ant-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-test-key" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-ant-test-key")
	}
}

func TestDefault_AppliesAllDefaults(t *testing.T) {
	cfg := Default()

	cases := []struct {
		name string
		got  int
		want int
	}{
		{"debounce.delay_ms", cfg.Debounce.DelayMs, 5000},
		{"cooldown.hard_ms", cfg.Cooldown.HardMs, 5000},
		{"cooldown.soft_ms", cfg.Cooldown.SoftMs, 12000},
		{"typing.min_ms", cfg.Typing.MinMs, 2800},
		{"typing.max_ms", cfg.Typing.MaxMs, 8000},
		{"segment_delay.cap_ms", cfg.SegmentDelay.CapMs, 3000},
		{"ring_buffer.max_turns", cfg.RingBuffer.MaxTurns, 50},
		{"activity.window_ms", cfg.Activity.WindowMs, 300000},
		{"activity.normalizer", cfg.Activity.Normalizer, 10},
		{"interrupt.threshold", cfg.Interrupt.Threshold, 3},
		{"quote.message_gap_threshold", cfg.Quote.MessageGapThreshold, 3},
		{"stale.max_event_lag_ms", cfg.Stale.MaxEventLagMs, 30000},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
	if cfg.Cooldown.SoftSkipProbability != 0.65 {
		t.Errorf("cooldown.soft_skip_probability = %f, want 0.65", cfg.Cooldown.SoftSkipProbability)
	}
	if cfg.Energy.RecoveryPerMinute != 0.05 {
		t.Errorf("energy.recovery_per_minute = %f, want 0.05", cfg.Energy.RecoveryPerMinute)
	}
	if cfg.Energy.CostPerReply != 0.10 {
		t.Errorf("energy.cost_per_reply = %f, want 0.10", cfg.Energy.CostPerReply)
	}
}

func TestValidate_SoftSkipProbabilityOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Cooldown.SoftSkipProbability = 1.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for soft_skip_probability > 1")
	}
}

func TestValidate_TypingMinExceedsMax(t *testing.T) {
	cfg := Default()
	cfg.Typing.MinMs = 9000
	cfg.Typing.MaxMs = 2000

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for typing.min_ms > typing.max_ms")
	}
}

func TestValidate_DebugPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Debug.Enabled = true
	cfg.Debug.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for debug.port out of range when enabled")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad log_level")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.Debounce.DelayDuration().Milliseconds() != int64(cfg.Debounce.DelayMs) {
		t.Errorf("DelayDuration mismatch")
	}
	if cfg.Cooldown.HardDuration().Milliseconds() != int64(cfg.Cooldown.HardMs) {
		t.Errorf("HardDuration mismatch")
	}
	if cfg.Cooldown.SoftDuration().Milliseconds() != int64(cfg.Cooldown.SoftMs) {
		t.Errorf("SoftDuration mismatch")
	}
	if cfg.Activity.WindowDuration().Milliseconds() != int64(cfg.Activity.WindowMs) {
		t.Errorf("WindowDuration mismatch")
	}
	if cfg.Stale.MaxEventLag().Milliseconds() != int64(cfg.Stale.MaxEventLagMs) {
		t.Errorf("MaxEventLag mismatch")
	}
}
