package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all agent configuration. Values come from environment
// variables per the container contract, with command-line flags of
// the same name accepted as overrides for local development.
type Config struct {
	AgentUUID        string `mapstructure:"agent-uuid"`
	AgentSecret      string `mapstructure:"agent-secret"`
	PanelURL         string `mapstructure:"panel-url"`
	PanelAPIKey      string `mapstructure:"panel-api-key"`
	SamplingInterval int    `mapstructure:"sampling-interval"` // seconds, default 30, floor 5
	RetentionDays    int    `mapstructure:"retention-days"`    // clamp [1,30]
	LogLevel         string `mapstructure:"log-level"`         // debug, info, warn, error
	MaxConcurrent    int    `mapstructure:"max-concurrent-actions"`
	ControlFilePath  string `mapstructure:"control-file-path"`
	DataDir          string `mapstructure:"data-dir"`
	APNsKeyBase64    string `mapstructure:"apns-key-base64"`
	APNsKeyID        string `mapstructure:"apns-key-id"`
	APNsTeamID       string `mapstructure:"apns-team-id"`
	APNsBundleID     string `mapstructure:"apns-bundle-id"`
	PushProvider     string `mapstructure:"push-provider"` // "apns" or "dev"
}

// envBindings maps each config key to the bare (unprefixed) environment
// variable name fixed by the container contract in spec.md §6 — the
// agent is a sidecar, not a CLI tool, so there is no app-wide env
// prefix to apply here.
var envBindings = map[string]string{
	"agent-uuid":             "AGENT_UUID",
	"agent-secret":           "AGENT_SECRET",
	"panel-url":              "PANEL_URL",
	"panel-api-key":          "PANEL_API_KEY",
	"sampling-interval":      "SAMPLING_INTERVAL",
	"retention-days":         "RETENTION_DAYS",
	"log-level":              "LOG_LEVEL",
	"max-concurrent-actions": "MAX_CONCURRENT_ACTIONS",
	"control-file-path":      "CONTROL_FILE_PATH",
	"data-dir":               "DATA_DIR",
	"apns-key-base64":        "APNS_KEY_BASE64",
	"apns-key-id":            "APNS_KEY_ID",
	"apns-team-id":           "APNS_TEAM_ID",
	"apns-bundle-id":         "APNS_BUNDLE_ID",
	"push-provider":          "PUSH_PROVIDER",
}

// Load reads configuration from environment variables (with optional
// command-line flag overrides) and applies defaults and clamping.
func Load() (*Config, error) {
	return load(pflag.CommandLine, true)
}

func load(flags *pflag.FlagSet, parseFlags bool) (*Config, error) {
	v := viper.New()

	v.SetDefault("sampling-interval", 30)
	v.SetDefault("retention-days", 30)
	v.SetDefault("log-level", "info")
	v.SetDefault("max-concurrent-actions", 5)
	v.SetDefault("control-file-path", "./control/control.json")
	v.SetDefault("data-dir", "./data")
	v.SetDefault("push-provider", "dev")

	if !flags.Parsed() {
		flags.String("agent-uuid", "", "Agent UUID")
		flags.String("agent-secret", "", "Agent shared secret (min 16 chars)")
		flags.String("panel-url", "", "Panel base URL")
		flags.String("panel-api-key", "", "Panel master API key")
		flags.Int("sampling-interval", 30, "Sampling interval in seconds (floor 5)")
		flags.Int("retention-days", 30, "Snapshot/log retention in days (clamp 1-30)")
		flags.String("log-level", "info", "Log level: debug, info, warn, error")
		flags.Int("max-concurrent-actions", 5, "Reserved for future automation parallelism")
		flags.String("control-file-path", "./control/control.json", "Path to control.json")
		flags.String("data-dir", "./data", "Path to the data directory")
		flags.String("apns-key-base64", "", "Base64-encoded APNs .p8 key")
		flags.String("apns-key-id", "", "APNs key ID")
		flags.String("apns-team-id", "", "APNs team ID")
		flags.String("apns-bundle-id", "", "APNs bundle ID")
		flags.String("push-provider", "dev", "Push provider: apns or dev")
		if parseFlags {
			if err := flags.Parse(os.Args[1:]); err != nil {
				return nil, fmt.Errorf("parse flags: %w", err)
			}
		}
	}

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.clamp()

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.AgentUUID == "" {
		return fmt.Errorf("AGENT_UUID is required")
	}
	if c.AgentSecret == "" {
		return fmt.Errorf("AGENT_SECRET is required")
	}
	if len(c.AgentSecret) < 16 {
		return fmt.Errorf("AGENT_SECRET must be at least 16 characters")
	}
	if c.PanelURL == "" {
		return fmt.Errorf("PANEL_URL is required")
	}
	if c.PanelAPIKey == "" {
		return fmt.Errorf("PANEL_API_KEY is required")
	}
	if c.PushProvider == "apns" {
		if c.APNsKeyBase64 == "" || c.APNsKeyID == "" || c.APNsTeamID == "" || c.APNsBundleID == "" {
			return fmt.Errorf("APNS_KEY_BASE64, APNS_KEY_ID, APNS_TEAM_ID, APNS_BUNDLE_ID are required when PUSH_PROVIDER=apns")
		}
	}
	return nil
}

func (c *Config) clamp() {
	if c.RetentionDays > 30 {
		c.RetentionDays = 30
	}
	if c.RetentionDays < 1 {
		c.RetentionDays = 1
	}
	if c.SamplingInterval < 5 {
		c.SamplingInterval = 5
	}
}
