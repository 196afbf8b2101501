// Package config handles Chatwarden configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/chatwarden/config.yaml, /config/config.yaml,
// /etc/chatwarden/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chatwarden", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/chatwarden/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all orchestrator configuration. Every field enumerated in
// the "Configuration surface" has a corresponding entry here; Load
// applies defaults so callers never observe a zero value.
type Config struct {
	Debounce    DebounceConfig    `yaml:"debounce"`
	Cooldown    CooldownConfig    `yaml:"cooldown"`
	Typing      TypingConfig      `yaml:"typing"`
	SegmentDelay SegmentDelayConfig `yaml:"segment_delay"`
	RingBuffer  RingBufferConfig  `yaml:"ring_buffer"`
	Activity    ActivityConfig    `yaml:"activity"`
	Energy      EnergyConfig      `yaml:"energy"`
	Interrupt   InterruptConfig   `yaml:"interrupt"`
	Quote       QuoteConfig       `yaml:"quote"`
	Stale       StaleConfig       `yaml:"stale"`
	Anthropic   AnthropicConfig   `yaml:"anthropic"`
	Persona     PersonaConfig     `yaml:"persona"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Signal      SignalConfig      `yaml:"signal"`
	GitHub      GitHubConfig      `yaml:"github"`
	WSChat      WSChatConfig      `yaml:"wschat"`
	DebugStore  DebugStoreConfig  `yaml:"debug_store"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	Debug       DebugConfig       `yaml:"debug"`
}

// SignalConfig configures the optional signal-cli JSON-RPC adapter
// (internal/platform/signalchat). An empty Command disables the adapter.
type SignalConfig struct {
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	MentionToken string   `yaml:"mention_token"`
	PlatformName string   `yaml:"platform_name"`
}

// Enabled reports whether the signal-cli adapter has a command configured.
func (c SignalConfig) Enabled() bool { return c.Command != "" }

// GitHubConfig configures the optional GitHub issue-comment adapter
// (internal/platform/githubchat). An empty Token disables the adapter.
type GitHubConfig struct {
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
	BaseURL       string `yaml:"base_url"`
	Address       string `yaml:"address"`
	Port          int    `yaml:"port"`
	PlatformName  string `yaml:"platform_name"`
}

// Enabled reports whether the GitHub adapter has a token configured.
func (c GitHubConfig) Enabled() bool { return c.Token != "" }

// WSChatConfig configures the optional raw-websocket test adapter
// (internal/platform/wschat). Disabled unless explicitly enabled, since
// it has no credential of its own to gate on.
type WSChatConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	PlatformName string `yaml:"platform_name"`
}

// DebugStoreConfig configures the optional sqlite-backed plan/send audit
// sink (internal/debugstore). An empty Path disables the sink.
type DebugStoreConfig struct {
	Path string `yaml:"path"`
}

// Enabled reports whether a debug store path is configured.
func (c DebugStoreConfig) Enabled() bool { return c.Path != "" }

// MQTTConfig configures the optional MQTT chat adapter
// (internal/platform/mqttchat). Broker left empty disables the adapter.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPrefix  string `yaml:"topic_prefix"`
	PlatformName string `yaml:"platform_name"`
	RateLimit    int    `yaml:"rate_limit"`
	RateLimitMs  int    `yaml:"rate_limit_ms"`
}

// Enabled reports whether the MQTT adapter has a broker configured.
func (c MQTTConfig) Enabled() bool { return c.Broker != "" }

// RateLimitInterval returns RateLimitMs as a time.Duration.
func (c MQTTConfig) RateLimitInterval() time.Duration {
	return time.Duration(c.RateLimitMs) * time.Millisecond
}

// DebounceConfig controls per-sender burst coalescing (C2).
type DebounceConfig struct {
	DelayMs int `yaml:"delay_ms"`
}

// DelayDuration returns Debounce.DelayMs as a time.Duration.
func (c DebounceConfig) DelayDuration() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// CooldownConfig controls the planner's hard/soft reply cooldown (C6).
type CooldownConfig struct {
	HardMs              int     `yaml:"hard_ms"`
	SoftMs              int     `yaml:"soft_ms"`
	SoftSkipProbability float64 `yaml:"soft_skip_probability"`
}

// HardDuration returns Cooldown.HardMs as a time.Duration.
func (c CooldownConfig) HardDuration() time.Duration {
	return time.Duration(c.HardMs) * time.Millisecond
}

// SoftDuration returns Cooldown.SoftMs as a time.Duration.
func (c CooldownConfig) SoftDuration() time.Duration {
	return time.Duration(c.SoftMs) * time.Millisecond
}

// TypingConfig controls the send pipeline's simulated typing delay (C10).
type TypingConfig struct {
	MinMs     int `yaml:"min_ms"`
	MaxMs     int `yaml:"max_ms"`
	BaseMs    int `yaml:"base_ms"`
	PerCharMs int `yaml:"per_char_ms"`
	JitterMs  int `yaml:"jitter_ms"`
}

// SegmentDelayConfig controls inter-segment pacing during a multi-part
// send (C10).
type SegmentDelayConfig struct {
	BaseMs    int `yaml:"base_ms"`
	PerCharMs int `yaml:"per_char_ms"`
	JitterMs  int `yaml:"jitter_ms"`
	CapMs     int `yaml:"cap_ms"`
}

// RingBufferConfig bounds the conversation log (C7/convlog).
type RingBufferConfig struct {
	MaxTurns int `yaml:"max_turns"`
}

// ActivityConfig controls the group activity sliding window (C5).
type ActivityConfig struct {
	WindowMs   int `yaml:"window_ms"`
	Normalizer int `yaml:"normalizer"`
}

// WindowDuration returns Activity.WindowMs as a time.Duration.
func (c ActivityConfig) WindowDuration() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// EnergyConfig controls the global bot-energy model (C5).
type EnergyConfig struct {
	RecoveryPerMinute float64 `yaml:"recovery_per_minute"`
	CostPerReply      float64 `yaml:"cost_per_reply"`
}

// InterruptConfig controls typing interruption (C11).
type InterruptConfig struct {
	Threshold int `yaml:"threshold"`
}

// QuoteConfig controls quote-target gap gating (C11).
type QuoteConfig struct {
	MessageGapThreshold int `yaml:"message_gap_threshold"`
}

// StaleConfig controls stale-backfill detection (C3).
type StaleConfig struct {
	MaxEventLagMs int `yaml:"max_event_lag_ms"`
}

// MaxEventLag returns Stale.MaxEventLagMs as a time.Duration.
func (c StaleConfig) MaxEventLag() time.Duration {
	return time.Duration(c.MaxEventLagMs) * time.Millisecond
}

// AnthropicConfig defines LLM client settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Configured reports whether an Anthropic API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// PersonaConfig defines the bot's fixed persona for prompt assembly (C8).
type PersonaConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Tone        string `yaml:"tone"`
}

// DebugConfig enables the optional debug/audit HTTP surface.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${ANTHROPIC_API_KEY}). This is
	// a convenience for container deployments.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with the values enumerated in
// spec.md's "Configuration surface". Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.Debounce.DelayMs == 0 {
		c.Debounce.DelayMs = 5000
	}
	if c.Cooldown.HardMs == 0 {
		c.Cooldown.HardMs = 5000
	}
	if c.Cooldown.SoftMs == 0 {
		c.Cooldown.SoftMs = 12000
	}
	if c.Cooldown.SoftSkipProbability == 0 {
		c.Cooldown.SoftSkipProbability = 0.65
	}
	if c.Typing.MinMs == 0 {
		c.Typing.MinMs = 2800
	}
	if c.Typing.MaxMs == 0 {
		c.Typing.MaxMs = 8000
	}
	if c.Typing.BaseMs == 0 {
		c.Typing.BaseMs = 1000
	}
	if c.Typing.PerCharMs == 0 {
		c.Typing.PerCharMs = 60
	}
	if c.Typing.JitterMs == 0 {
		c.Typing.JitterMs = 1500
	}
	if c.SegmentDelay.BaseMs == 0 {
		c.SegmentDelay.BaseMs = 500
	}
	if c.SegmentDelay.PerCharMs == 0 {
		c.SegmentDelay.PerCharMs = 40
	}
	if c.SegmentDelay.JitterMs == 0 {
		c.SegmentDelay.JitterMs = 700
	}
	if c.SegmentDelay.CapMs == 0 {
		c.SegmentDelay.CapMs = 3000
	}
	if c.RingBuffer.MaxTurns == 0 {
		c.RingBuffer.MaxTurns = 50
	}
	if c.Activity.WindowMs == 0 {
		c.Activity.WindowMs = 300000
	}
	if c.Activity.Normalizer == 0 {
		c.Activity.Normalizer = 10
	}
	if c.Energy.RecoveryPerMinute == 0 {
		c.Energy.RecoveryPerMinute = 0.05
	}
	if c.Energy.CostPerReply == 0 {
		c.Energy.CostPerReply = 0.10
	}
	if c.Interrupt.Threshold == 0 {
		c.Interrupt.Threshold = 3
	}
	if c.Quote.MessageGapThreshold == 0 {
		c.Quote.MessageGapThreshold = 3
	}
	if c.Stale.MaxEventLagMs == 0 {
		c.Stale.MaxEventLagMs = 30000
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Persona.Name == "" {
		c.Persona.Name = "bot"
	}
	if c.Debug.Port == 0 {
		c.Debug.Port = 8090
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "chatwarden"
	}
	if c.MQTT.PlatformName == "" {
		c.MQTT.PlatformName = "mqtt"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "chatwarden"
	}
	if c.MQTT.RateLimit == 0 {
		c.MQTT.RateLimit = 100
	}
	if c.MQTT.RateLimitMs == 0 {
		c.MQTT.RateLimitMs = 1000
	}
	if c.Signal.PlatformName == "" {
		c.Signal.PlatformName = "signal"
	}
	if c.GitHub.PlatformName == "" {
		c.GitHub.PlatformName = "github"
	}
	if c.GitHub.Port == 0 {
		c.GitHub.Port = 8091
	}
	if c.WSChat.PlatformName == "" {
		c.WSChat.PlatformName = "wschat"
	}
	if c.WSChat.Port == 0 {
		c.WSChat.Port = 8092
	}
	if c.DebugStore.Path == "" && c.Debug.Enabled {
		c.DebugStore.Path = filepath.Join(c.DataDir, "chatwarden.db")
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Cooldown.SoftSkipProbability < 0 || c.Cooldown.SoftSkipProbability > 1 {
		return fmt.Errorf("cooldown.soft_skip_probability %f out of range (0-1)", c.Cooldown.SoftSkipProbability)
	}
	if c.Typing.MinMs > c.Typing.MaxMs {
		return fmt.Errorf("typing.min_ms %d exceeds typing.max_ms %d", c.Typing.MinMs, c.Typing.MaxMs)
	}
	if c.Debug.Enabled && (c.Debug.Port < 1 || c.Debug.Port > 65535) {
		return fmt.Errorf("debug.port %d out of range (1-65535)", c.Debug.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration with every value from
// applyDefaults already populated, suitable for local development and
// as the base case in tests.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
