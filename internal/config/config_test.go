package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnvOr(t *testing.T) {
	key := "AUTHSTREAM_TEST_ENV"
	fallback := "default"

	_ = os.Unsetenv(key)
	if got := envOr(key, fallback); got != fallback {
		t.Errorf("envOr() = %v, want %v", got, fallback)
	}

	val := "set"
	_ = os.Setenv(key, val)
	defer os.Unsetenv(key)
	if got := envOr(key, fallback); got != val {
		t.Errorf("envOr() = %v, want %v", got, val)
	}
}

func TestEnvIntOr(t *testing.T) {
	key := "AUTHSTREAM_TEST_INT"
	fallback := 42

	_ = os.Unsetenv(key)
	if got := envIntOr(key, fallback); got != fallback {
		t.Errorf("envIntOr() = %v, want %v", got, fallback)
	}

	_ = os.Setenv(key, "100")
	if got := envIntOr(key, fallback); got != 100 {
		t.Errorf("envIntOr() = %v, want %v", got, 100)
	}

	_ = os.Setenv(key, "invalid")
	if got := envIntOr(key, fallback); got != fallback {
		t.Errorf("envIntOr() = %v, want %v", got, fallback)
	}
}

func TestEnvBoolOr(t *testing.T) {
	key := "AUTHSTREAM_TEST_BOOL"
	fallback := true

	_ = os.Unsetenv(key)
	if got := envBoolOr(key, fallback); got != fallback {
		t.Errorf("envBoolOr() = %v, want %v", got, fallback)
	}

	tests := []struct {
		val  string
		want bool
	}{
		{"1", true}, {"true", true}, {"yes", true}, {"on", true},
		{"0", false}, {"false", false}, {"no", false}, {"off", false},
		{"garbage", true}, // should return fallback
	}

	for _, tt := range tests {
		_ = os.Setenv(key, tt.val)
		if got := envBoolOr(key, fallback); got != tt.want {
			t.Errorf("envBoolOr(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"", "(none)"},
		{"short", "***"},
		{"very-long-token-secret", "very...cret"},
	}

	for _, tt := range tests {
		if got := MaskToken(tt.token); got != tt.want {
			t.Errorf("MaskToken(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}

func TestEnvSecondsOr(t *testing.T) {
	key := "AUTHSTREAM_TEST_SECONDS"
	defer os.Unsetenv(key)

	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", 7 * time.Second},
		{"30", 30 * time.Second},
		{"90s", 90 * time.Second},
		{"2m", 2 * time.Minute},
		{"-5", 7 * time.Second},
		{"nope", 7 * time.Second},
	}
	for _, tt := range tests {
		_ = os.Setenv(key, tt.val)
		if got := envSecondsOr(key, 7*time.Second); got != tt.want {
			t.Errorf("envSecondsOr(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AUTHSTREAM_PORT", "AUTHSTREAM_BIND", "AUTHSTREAM_TOKEN", "CDP_URL",
		"AUTHSTREAM_GRACE", "AUTHSTREAM_HEADLESS", "AUTHSTREAM_LOGIN_URL",
		"AUTHSTREAM_STATE_DIR", "AUTHSTREAM_VAULT_DIR", "AUTHSTREAM_CONFIG",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	if cfg.Port != "9870" {
		t.Errorf("default Port = %v, want 9870", cfg.Port)
	}
	if cfg.Bind != "127.0.0.1" {
		t.Errorf("default Bind = %v, want 127.0.0.1", cfg.Bind)
	}
	if cfg.GracePeriod != 180*time.Second {
		t.Errorf("default GracePeriod = %v, want 180s", cfg.GracePeriod)
	}
	if cfg.ViewportWidth != 1280 || cfg.ViewportHeight != 800 {
		t.Errorf("default viewport = %dx%d, want 1280x800", cfg.ViewportWidth, cfg.ViewportHeight)
	}
	if cfg.LaunchRetries != 3 {
		t.Errorf("default LaunchRetries = %d, want 3", cfg.LaunchRetries)
	}
	if cfg.CookieName != "d" || cfg.PrimaryPrefix != "xoxc-" {
		t.Errorf("unexpected artifact defaults: %q %q", cfg.CookieName, cfg.PrimaryPrefix)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTHSTREAM_PORT", "1234")
	t.Setenv("AUTHSTREAM_GRACE", "60")

	cfg := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	if cfg.Port != "1234" {
		t.Errorf("env Port = %v, want 1234", cfg.Port)
	}
	if cfg.GracePeriod != time.Minute {
		t.Errorf("env GracePeriod = %v, want 1m", cfg.GracePeriod)
	}
}

func TestDefaultFileConfig(t *testing.T) {
	fc := DefaultFileConfig()
	if fc.Port != "9870" {
		t.Errorf("DefaultFileConfig.Port = %v, want 9870", fc.Port)
	}
	if *fc.Headless != true {
		t.Errorf("DefaultFileConfig.Headless = %v, want true", *fc.Headless)
	}
	if fc.GraceSec != 180 {
		t.Errorf("DefaultFileConfig.GraceSec = %v, want 180", fc.GraceSec)
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	configPath := filepath.Join(t.TempDir(), "config.json")

	configData := `{
		"port": "8888",
		"headless": false,
		"graceSec": 60,
		"cookieDomain": "example.com"
	}`
	if err := os.WriteFile(configPath, []byte(configData), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadFrom(configPath)
	if cfg.Port != "8888" {
		t.Errorf("file Port = %v, want 8888", cfg.Port)
	}
	if cfg.Headless != false {
		t.Errorf("file Headless = %v, want false", cfg.Headless)
	}
	if cfg.GracePeriod != 60*time.Second {
		t.Errorf("file GracePeriod = %v, want 60s", cfg.GracePeriod)
	}
	if cfg.CookieDomain != "example.com" {
		t.Errorf("file CookieDomain = %v, want example.com", cfg.CookieDomain)
	}
}

func TestLoadConfigYAMLFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	configData := "port: \"7777\"\nstateDir: " + dir + "\nlaunchRetries: 5\nloginUrl: https://example.com/login\n"
	if err := os.WriteFile(configPath, []byte(configData), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadFrom(configPath)
	if cfg.Port != "7777" {
		t.Errorf("yaml Port = %v, want 7777", cfg.Port)
	}
	if cfg.LaunchRetries != 5 {
		t.Errorf("yaml LaunchRetries = %d, want 5", cfg.LaunchRetries)
	}
	if cfg.LoginURL != "https://example.com/login" {
		t.Errorf("yaml LoginURL = %v", cfg.LoginURL)
	}
	if cfg.VaultDir != filepath.Join(dir, "vault") {
		t.Errorf("VaultDir = %v, want it to follow stateDir", cfg.VaultDir)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	clearEnv(t)
	configPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configPath, []byte(`{"port": "8888"}`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTHSTREAM_PORT", "9999")

	if cfg := LoadFrom(configPath); cfg.Port != "9999" {
		t.Errorf("Port = %v, want env value 9999", cfg.Port)
	}
}

func TestReadFileConfigBadJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configPath, []byte(`{nope`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFileConfig(configPath); err == nil {
		t.Error("expected parse error")
	}
}
