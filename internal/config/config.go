package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for navigatorbot.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Navigator NavigatorConfig `json:"navigator" yaml:"navigator"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Access    AccessConfig    `json:"access" yaml:"access"`
	API       APIConfig       `json:"api" yaml:"api"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Messages  MessagesConfig  `json:"messages" yaml:"messages"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// NavigatorConfig configures the processing server client.
type NavigatorConfig struct {
	ServerURL           string   `json:"serverURL" yaml:"serverURL"` // without /process
	Framework           string   `json:"framework" yaml:"framework"`
	Timeout             Duration `json:"timeout" yaml:"timeout"`
	ResetTimeout        Duration `json:"resetTimeout" yaml:"resetTimeout"`
	Retries             int      `json:"retries" yaml:"retries"` // 0 = exactly one call per message
	FinalReportKeywords []string `json:"finalReportKeywords,omitempty" yaml:"finalReportKeywords,omitempty"`
}

type RelayConfig struct {
	MaxConcurrent int  `json:"maxConcurrent" yaml:"maxConcurrent"`
	BusBuffer     int  `json:"busBuffer" yaml:"busBuffer"`
	AttachSender  bool `json:"attachSender" yaml:"attachSender"` // send user_id and state with each request
}

type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Discord   DiscordConfig   `json:"discord,omitempty" yaml:"discord,omitempty"`
	Slack     SlackConfig     `json:"slack,omitempty" yaml:"slack,omitempty"`
	WebSocket WebSocketConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
	CLI       CLIConfig       `json:"cli" yaml:"cli"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Token     string         `json:"token" yaml:"token"`
	AllowFrom FlexStringList `json:"allowFrom" yaml:"allowFrom"`
	ParseMode string         `json:"parseMode" yaml:"parseMode"`
	Keyboard  bool           `json:"keyboard" yaml:"keyboard"` // show the profile / new dialog reply keyboard
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	GuildID string `json:"guildId,omitempty" yaml:"guildId,omitempty"` // optional: restrict to specific guild
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"botToken" yaml:"botToken"`
	AppToken string `json:"appToken" yaml:"appToken"` // required for Socket Mode
}

// WebSocketConfig enables the /ws endpoint on the API server.
type WebSocketConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// UnmarshalYAML accepts the same mixed lists in YAML files. Scalars keep
// their literal text, so 123456789 stays "123456789".
func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" {
		*f = nil
		return nil
	}
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: allowFrom must be a list", node.Line)
	}
	result := make([]string, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: allowFrom entries must be scalars", item.Line)
		}
		result = append(result, item.Value)
	}
	*f = result
	return nil
}

// AccessConfig configures paid access control. Disabled by default.
type AccessConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	DBPath             string `json:"dbPath" yaml:"dbPath"`
	PlanRequests       int    `json:"planRequests" yaml:"planRequests"`
	PlanDays           int    `json:"planDays" yaml:"planDays"`
	PlanPrice          int    `json:"planPrice" yaml:"planPrice"`
	PaymentLink        string `json:"paymentLink,omitempty" yaml:"paymentLink,omitempty"`
	AcceptUnknownCodes bool   `json:"acceptUnknownCodes" yaml:"acceptUnknownCodes"`
}

// APIConfig configures the HTTP server (health, payment hook, metrics, websocket).
type APIConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Addr          string `json:"addr" yaml:"addr"`
	PaymentSecret string `json:"paymentSecret,omitempty" yaml:"paymentSecret,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint on the API server.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// MessagesConfig holds the user-facing texts the relay sends itself.
type MessagesConfig struct {
	Greeting           string `json:"greeting" yaml:"greeting"`
	Help               string `json:"help" yaml:"help"`
	Processing         string `json:"processing" yaml:"processing"`
	EmptyReply         string `json:"emptyReply" yaml:"emptyReply"`
	ServiceUnavailable string `json:"serviceUnavailable" yaml:"serviceUnavailable"`
	GenericFailure     string `json:"genericFailure" yaml:"genericFailure"`
	DialogReset        string `json:"dialogReset" yaml:"dialogReset"`
	DialogResetFailed  string `json:"dialogResetFailed" yaml:"dialogResetFailed"`
}

// Duration is a time.Duration written as a Go duration string ("30s") in
// config files. Plain numbers are read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds")
	}
	*d = Duration(n * float64(time.Second))
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(n * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfigDir returns the default config directory (~/.navigatorbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".navigatorbot"
	}
	return filepath.Join(home, ".navigatorbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads path (JSON, or YAML for .yaml/.yml), applies environment
// overrides and validates the result. A missing file at the default path is
// not an error: the bot can run from environment variables alone.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for editing incomplete files.
func Read(path string) (*Config, error) {
	path = ExpandPath(path)

	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && path == DefaultConfigPath():
	default:
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	ApplyEnv(cfg)

	cfg.Access.DBPath = ExpandPath(cfg.Access.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// envOverrides maps environment variables onto config fields. They win over
// the config file so a container can be configured without one.
var envOverrides = []struct {
	name  string
	apply func(cfg *Config, val string)
}{
	{"TELEGRAM_BOT_TOKEN", func(cfg *Config, v string) {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}},
	{"NAVIGATOR_SERVER_URL", func(cfg *Config, v string) { cfg.Navigator.ServerURL = v }},
	{"NAVIGATOR_FRAMEWORK_NAME", func(cfg *Config, v string) { cfg.Navigator.Framework = v }},
	{"NAVIGATOR_TIMEOUT", func(cfg *Config, v string) {
		var d Duration
		if err := d.parse(v); err == nil {
			cfg.Navigator.Timeout = d
		} else {
			// left for Validate to reject
			cfg.Navigator.Timeout = -1
		}
	}},
	{"DATABASE_PATH", func(cfg *Config, v string) {
		cfg.Access.DBPath = strings.TrimPrefix(v, "sqlite:///")
	}},
	{"PAYMENT_LINK", func(cfg *Config, v string) { cfg.Access.PaymentLink = v }},
	{"PAYMENT_API_SECRET", func(cfg *Config, v string) { cfg.API.PaymentSecret = v }},
	{"LOG_LEVEL", func(cfg *Config, v string) { cfg.General.LogLevel = strings.ToLower(v) }},
}

// ApplyEnv overlays the supported environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	for _, o := range envOverrides {
		if val, ok := os.LookupEnv(o.name); ok && strings.TrimSpace(val) != "" {
			o.apply(cfg, strings.TrimSpace(val))
		}
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg to path, as YAML when the extension asks for it.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Navigator.ServerURL == "" {
		errs = append(errs, "navigator.serverURL is required (or set NAVIGATOR_SERVER_URL)")
	} else if u, err := url.Parse(cfg.Navigator.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("navigator.serverURL %q must be an http(s) URL with a host", cfg.Navigator.ServerURL))
	}
	if strings.TrimSpace(cfg.Navigator.Framework) == "" {
		errs = append(errs, "navigator.framework must not be empty")
	}
	if cfg.Navigator.Timeout <= 0 {
		errs = append(errs, "navigator.timeout must be a positive duration (e.g. \"30s\")")
	}
	if cfg.Navigator.ResetTimeout <= 0 {
		errs = append(errs, "navigator.resetTimeout must be a positive duration")
	}
	if cfg.Navigator.Retries < 0 || cfg.Navigator.Retries > 5 {
		errs = append(errs, "navigator.retries must be between 0 and 5")
	}

	if cfg.Relay.MaxConcurrent < 1 || cfg.Relay.MaxConcurrent > 1000 {
		errs = append(errs, "relay.maxConcurrent must be between 1 and 1000")
	}
	if cfg.Relay.BusBuffer < 1 {
		errs = append(errs, "relay.busBuffer must be >= 1")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled (or set TELEGRAM_BOT_TOKEN)")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "") {
		errs = append(errs, "channels.slack.botToken and channels.slack.appToken are required when slack is enabled")
	}
	if cfg.Channels.WebSocket.Enabled && !cfg.API.Enabled {
		errs = append(errs, "channels.websocket requires api.enabled (it is served at /ws)")
	}

	if cfg.Access.Enabled {
		if cfg.Access.DBPath == "" {
			errs = append(errs, "access.dbPath is required when access control is enabled")
		}
		if cfg.Access.PlanRequests < 1 {
			errs = append(errs, "access.planRequests must be >= 1")
		}
		if cfg.Access.PlanDays < 1 {
			errs = append(errs, "access.planDays must be >= 1")
		}
		if cfg.Access.PlanPrice < 0 {
			errs = append(errs, "access.planPrice must be >= 0")
		}
	}

	if cfg.API.Enabled && cfg.API.Addr == "" {
		errs = append(errs, "api.addr is required when the API server is enabled")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
