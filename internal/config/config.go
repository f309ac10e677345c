package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Bind      string
	Port      string
	Token     string
	StateDir  string
	LogLevel  string
	LogFormat string

	// Browser capability.
	CdpURL           string
	ChromeBinary     string
	ChromeExtraFlags string
	ChromeVersion    string
	UserAgent        string
	Headless         bool
	ViewportWidth    int
	ViewportHeight   int
	FrameQuality     int

	// Target service.
	LoginURL           string
	AuthURLPattern     string
	PrimaryPrefix      string
	CookieName         string
	CookieDomain       string
	TwoFactorMinFontPx float64

	// Session lifecycle.
	MaxSessions       int
	GracePeriod       time.Duration
	CompletionLinger  time.Duration
	SessionTimeout    time.Duration
	SessionRetention  time.Duration
	DetectInterval    time.Duration
	ExtractDelay      time.Duration
	ExtractAttempts   int
	ExtractRetryDelay time.Duration
	LaunchRetries     int
	LaunchBackoff     time.Duration
	LaunchBackoffMax  time.Duration
	NavigateTimeout   time.Duration
	ActionTimeout     time.Duration
	ShutdownTimeout   time.Duration

	// Handoff.
	ResultTTL time.Duration
	VaultDir  string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// envSecondsOr reads a whole number of seconds.
func envSecondsOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func envBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return h
}

func (c *RuntimeConfig) ListenAddr() string {
	return c.Bind + ":" + c.Port
}

// FileConfig is the on-disk shape. Durations are whole seconds.
type FileConfig struct {
	Port           string `json:"port" yaml:"port"`
	Bind           string `json:"bind,omitempty" yaml:"bind,omitempty"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
	CdpURL         string `json:"cdpUrl,omitempty" yaml:"cdpUrl,omitempty"`
	StateDir       string `json:"stateDir" yaml:"stateDir"`
	VaultDir       string `json:"vaultDir,omitempty" yaml:"vaultDir,omitempty"`
	Headless       *bool  `json:"headless,omitempty" yaml:"headless,omitempty"`
	MaxSessions    *int   `json:"maxSessions,omitempty" yaml:"maxSessions,omitempty"`
	LoginURL       string `json:"loginUrl,omitempty" yaml:"loginUrl,omitempty"`
	AuthURLPattern string `json:"authUrlPattern,omitempty" yaml:"authUrlPattern,omitempty"`
	PrimaryPrefix  string `json:"primaryPrefix,omitempty" yaml:"primaryPrefix,omitempty"`
	CookieName     string `json:"cookieName,omitempty" yaml:"cookieName,omitempty"`
	CookieDomain   string `json:"cookieDomain,omitempty" yaml:"cookieDomain,omitempty"`
	GraceSec       int    `json:"graceSec,omitempty" yaml:"graceSec,omitempty"`
	SessionSec     int    `json:"sessionSec,omitempty" yaml:"sessionSec,omitempty"`
	ResultTTLSec   int    `json:"resultTtlSec,omitempty" yaml:"resultTtlSec,omitempty"`
	LaunchRetries  *int   `json:"launchRetries,omitempty" yaml:"launchRetries,omitempty"`
	LaunchBackoffS int    `json:"launchBackoffSec,omitempty" yaml:"launchBackoffSec,omitempty"`
	NavigateSec    int    `json:"navigateSec,omitempty" yaml:"navigateSec,omitempty"`
}

func defaultConfigPath() string {
	return filepath.Join(homeDir(), ".authstream", "config.json")
}

// Load reads the environment, then the config file named by
// AUTHSTREAM_CONFIG (or the default path). Environment variables win.
func Load() *RuntimeConfig {
	return LoadFrom(envOr("AUTHSTREAM_CONFIG", defaultConfigPath()))
}

func LoadFrom(configPath string) *RuntimeConfig {
	stateDir := envOr("AUTHSTREAM_STATE_DIR", filepath.Join(homeDir(), ".authstream"))
	cfg := &RuntimeConfig{
		Bind:      envOr("AUTHSTREAM_BIND", "127.0.0.1"),
		Port:      envOr("AUTHSTREAM_PORT", "9870"),
		Token:     os.Getenv("AUTHSTREAM_TOKEN"),
		StateDir:  stateDir,
		LogLevel:  envOr("AUTHSTREAM_LOG_LEVEL", "info"),
		LogFormat: envOr("AUTHSTREAM_LOG_FORMAT", "text"),

		CdpURL:           os.Getenv("CDP_URL"),
		ChromeBinary:     os.Getenv("CHROME_BINARY"),
		ChromeExtraFlags: os.Getenv("CHROME_FLAGS"),
		ChromeVersion:    envOr("AUTHSTREAM_CHROME_VERSION", "144.0.7559.133"),
		UserAgent:        os.Getenv("AUTHSTREAM_USER_AGENT"),
		Headless:         envBoolOr("AUTHSTREAM_HEADLESS", true),
		ViewportWidth:    envIntOr("AUTHSTREAM_VIEWPORT_WIDTH", 1280),
		ViewportHeight:   envIntOr("AUTHSTREAM_VIEWPORT_HEIGHT", 800),
		FrameQuality:     envIntOr("AUTHSTREAM_FRAME_QUALITY", 60),

		LoginURL:           envOr("AUTHSTREAM_LOGIN_URL", "https://slack.com/signin"),
		AuthURLPattern:     envOr("AUTHSTREAM_AUTH_URL_PATTERN", `app\.slack\.com/client/([A-Z0-9]+)`),
		PrimaryPrefix:      envOr("AUTHSTREAM_PRIMARY_PREFIX", "xoxc-"),
		CookieName:         envOr("AUTHSTREAM_COOKIE_NAME", "d"),
		CookieDomain:       envOr("AUTHSTREAM_COOKIE_DOMAIN", "slack.com"),
		TwoFactorMinFontPx: 28,

		MaxSessions:       envIntOr("AUTHSTREAM_MAX_SESSIONS", 4),
		GracePeriod:       envSecondsOr("AUTHSTREAM_GRACE", 180*time.Second),
		CompletionLinger:  2 * time.Second,
		SessionTimeout:    envSecondsOr("AUTHSTREAM_SESSION_TIMEOUT", 10*time.Minute),
		SessionRetention:  5 * time.Minute,
		DetectInterval:    time.Second,
		ExtractDelay:      3 * time.Second,
		ExtractAttempts:   3,
		ExtractRetryDelay: 2 * time.Second,
		LaunchRetries:     envIntOr("AUTHSTREAM_LAUNCH_RETRIES", 3),
		LaunchBackoff:     envSecondsOr("AUTHSTREAM_LAUNCH_BACKOFF", 2*time.Second),
		LaunchBackoffMax:  30 * time.Second,
		NavigateTimeout:   30 * time.Second,
		ActionTimeout:     10 * time.Second,
		ShutdownTimeout:   10 * time.Second,

		ResultTTL: envSecondsOr("AUTHSTREAM_RESULT_TTL", 5*time.Minute),
		VaultDir:  envOr("AUTHSTREAM_VAULT_DIR", filepath.Join(stateDir, "vault")),
	}

	fc, err := ReadFileConfig(configPath)
	if err != nil {
		return cfg
	}
	applyFileConfig(cfg, fc)
	return cfg
}

// ReadFileConfig parses a JSON or YAML config file, chosen by extension.
func ReadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

func unset(key string) bool { return os.Getenv(key) == "" }

func applyFileConfig(cfg *RuntimeConfig, fc FileConfig) {
	if fc.Port != "" && unset("AUTHSTREAM_PORT") {
		cfg.Port = fc.Port
	}
	if fc.Bind != "" && unset("AUTHSTREAM_BIND") {
		cfg.Bind = fc.Bind
	}
	if fc.Token != "" && unset("AUTHSTREAM_TOKEN") {
		cfg.Token = fc.Token
	}
	if fc.CdpURL != "" && unset("CDP_URL") {
		cfg.CdpURL = fc.CdpURL
	}
	if fc.StateDir != "" && unset("AUTHSTREAM_STATE_DIR") {
		cfg.StateDir = fc.StateDir
		if unset("AUTHSTREAM_VAULT_DIR") && fc.VaultDir == "" {
			cfg.VaultDir = filepath.Join(fc.StateDir, "vault")
		}
	}
	if fc.VaultDir != "" && unset("AUTHSTREAM_VAULT_DIR") {
		cfg.VaultDir = fc.VaultDir
	}
	if fc.Headless != nil && unset("AUTHSTREAM_HEADLESS") {
		cfg.Headless = *fc.Headless
	}
	if fc.MaxSessions != nil && unset("AUTHSTREAM_MAX_SESSIONS") {
		cfg.MaxSessions = *fc.MaxSessions
	}
	if fc.LoginURL != "" && unset("AUTHSTREAM_LOGIN_URL") {
		cfg.LoginURL = fc.LoginURL
	}
	if fc.AuthURLPattern != "" && unset("AUTHSTREAM_AUTH_URL_PATTERN") {
		cfg.AuthURLPattern = fc.AuthURLPattern
	}
	if fc.PrimaryPrefix != "" && unset("AUTHSTREAM_PRIMARY_PREFIX") {
		cfg.PrimaryPrefix = fc.PrimaryPrefix
	}
	if fc.CookieName != "" && unset("AUTHSTREAM_COOKIE_NAME") {
		cfg.CookieName = fc.CookieName
	}
	if fc.CookieDomain != "" && unset("AUTHSTREAM_COOKIE_DOMAIN") {
		cfg.CookieDomain = fc.CookieDomain
	}
	if fc.GraceSec > 0 && unset("AUTHSTREAM_GRACE") {
		cfg.GracePeriod = time.Duration(fc.GraceSec) * time.Second
	}
	if fc.SessionSec > 0 && unset("AUTHSTREAM_SESSION_TIMEOUT") {
		cfg.SessionTimeout = time.Duration(fc.SessionSec) * time.Second
	}
	if fc.ResultTTLSec > 0 && unset("AUTHSTREAM_RESULT_TTL") {
		cfg.ResultTTL = time.Duration(fc.ResultTTLSec) * time.Second
	}
	if fc.LaunchRetries != nil && unset("AUTHSTREAM_LAUNCH_RETRIES") {
		cfg.LaunchRetries = *fc.LaunchRetries
	}
	if fc.LaunchBackoffS > 0 && unset("AUTHSTREAM_LAUNCH_BACKOFF") {
		cfg.LaunchBackoff = time.Duration(fc.LaunchBackoffS) * time.Second
	}
	if fc.NavigateSec > 0 {
		cfg.NavigateTimeout = time.Duration(fc.NavigateSec) * time.Second
	}
}

func DefaultFileConfig() FileConfig {
	h := true
	retries := 3
	return FileConfig{
		Port:           "9870",
		StateDir:       filepath.Join(homeDir(), ".authstream"),
		Headless:       &h,
		LoginURL:       "https://slack.com/signin",
		AuthURLPattern: `app\.slack\.com/client/([A-Z0-9]+)`,
		GraceSec:       180,
		SessionSec:     600,
		ResultTTLSec:   300,
		LaunchRetries:  &retries,
		NavigateSec:    30,
	}
}

// HandleConfigCommand implements `authstream config init|show`. args are
// the arguments after "config".
func HandleConfigCommand(cfg *RuntimeConfig, args []string) error {
	if len(args) < 1 {
		fmt.Println("Usage: authstream config <command>")
		fmt.Println("Commands:")
		fmt.Println("  init    - Create default config file")
		fmt.Println("  show    - Show current configuration")
		return nil
	}

	switch args[0] {
	case "init":
		configPath := envOr("AUTHSTREAM_CONFIG", defaultConfigPath())

		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Config file already exists at %s\n", configPath)
			fmt.Print("Overwrite? (y/N): ")
			var response string
			_, _ = fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				return nil
			}
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}

		fc := DefaultFileConfig()
		var data []byte
		var err error
		switch strings.ToLower(filepath.Ext(configPath)) {
		case ".yaml", ".yml":
			data, err = yaml.Marshal(fc)
		default:
			data, err = json.MarshalIndent(fc, "", "  ")
		}
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if err := os.WriteFile(configPath, data, 0600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Config file created at %s\n", configPath)

	case "show":
		fmt.Println("Current configuration:")
		fmt.Printf("  Listen:      %s\n", cfg.ListenAddr())
		fmt.Printf("  Token:       %s\n", MaskToken(cfg.Token))
		fmt.Printf("  CDP URL:     %s\n", cfg.CdpURL)
		fmt.Printf("  Headless:    %v\n", cfg.Headless)
		fmt.Printf("  Viewport:    %dx%d\n", cfg.ViewportWidth, cfg.ViewportHeight)
		fmt.Printf("  Login URL:   %s\n", cfg.LoginURL)
		fmt.Printf("  Auth match:  %s\n", cfg.AuthURLPattern)
		fmt.Printf("  Sessions:    max=%d grace=%v timeout=%v\n", cfg.MaxSessions, cfg.GracePeriod, cfg.SessionTimeout)
		fmt.Printf("  Launch:      retries=%d backoff=%v\n", cfg.LaunchRetries, cfg.LaunchBackoff)
		fmt.Printf("  Result TTL:  %v\n", cfg.ResultTTL)
		fmt.Printf("  Vault:       %s\n", cfg.VaultDir)

	default:
		return fmt.Errorf("unknown config command: %s", args[0])
	}
	return nil
}

func MaskToken(t string) string {
	if t == "" {
		return "(none)"
	}
	if len(t) <= 8 {
		return "***"
	}
	return t[:4] + "..." + t[len(t)-4:]
}
