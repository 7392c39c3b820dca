package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every MORRIGAN_ variable for the test; the env helpers
// treat empty as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key := strings.SplitN(kv, "=", 2)[0]
		if strings.HasPrefix(key, "MORRIGAN_") {
			t.Setenv(key, "")
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Port != 3000 {
		t.Errorf("HTTP.Port = %d, want 3000", cfg.HTTP.Port)
	}
	if cfg.Database.DBName != "test" {
		t.Errorf("Database.DBName = %q, want test", cfg.Database.DBName)
	}
	if !cfg.Logger.Console {
		t.Error("Logger.Console should default to true")
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want info", cfg.Logger.Level)
	}
	if cfg.StateDir != "/morrigan.server/state" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.Tokens.OperatorTTL.Std() != 30*time.Minute {
		t.Errorf("OperatorTTL = %s, want 30m", cfg.Tokens.OperatorTTL)
	}
	if cfg.Tokens.ClientTTL.Std() != 720*time.Hour {
		t.Errorf("ClientTTL = %s, want 720h", cfg.Tokens.ClientTTL)
	}
	if cfg.Connection.HeartbeatInterval.Std() != 30*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 30s", cfg.Connection.HeartbeatInterval)
	}

	for _, name := range []string{"auth", "client", "connection"} {
		spec, ok := cfg.Components[name]
		if !ok {
			t.Errorf("default components missing %q", name)
			continue
		}
		if spec.Module != name {
			t.Errorf("components.%s.module = %q, want %q", name, spec.Module, name)
		}
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "morrigan.yaml")
	doc := `
http:
  port: 8443
  secure: true
  certPath: /etc/morrigan/cert.pem
  keyPath: /etc/morrigan/key.pem
database:
  dbname: production
logger:
  level: debug
  json: true
stateDir: /var/lib/morrigan
tokens:
  operatorTTL: 15m
  rotationInterval: 4h
connection:
  heartbeatInterval: 10s
components:
  auth:
    module: auth
  telemetry:
    module: relay
    providers: [telemetry]
    topic: devices/state
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Port != 8443 || !cfg.HTTP.Secure {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Database.DBName != "production" {
		t.Errorf("DBName = %q", cfg.Database.DBName)
	}
	if cfg.Logger.Level != "debug" || !cfg.Logger.JSON {
		t.Errorf("Logger = %+v", cfg.Logger)
	}
	if cfg.StateDir != "/var/lib/morrigan" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.Tokens.OperatorTTL.Std() != 15*time.Minute {
		t.Errorf("OperatorTTL = %s", cfg.Tokens.OperatorTTL)
	}
	if cfg.Tokens.RotationInterval.Std() != 4*time.Hour {
		t.Errorf("RotationInterval = %s", cfg.Tokens.RotationInterval)
	}
	if cfg.Connection.HeartbeatInterval.Std() != 10*time.Second {
		t.Errorf("HeartbeatInterval = %s", cfg.Connection.HeartbeatInterval)
	}

	spec, ok := cfg.Components["telemetry"]
	if !ok {
		t.Fatal("telemetry component missing")
	}
	if spec.Module != "relay" {
		t.Errorf("telemetry.module = %q", spec.Module)
	}
	if len(spec.Providers) != 1 || spec.Providers[0] != "telemetry" {
		t.Errorf("telemetry.providers = %v", spec.Providers)
	}
	if spec.Options["topic"] != "devices/state" {
		t.Errorf("telemetry options = %v", spec.Options)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 3000 {
		t.Errorf("HTTP.Port = %d, want default 3000", cfg.HTTP.Port)
	}
}

func TestLoadBadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("http: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MORRIGAN_HTTP_PORT", "9000")
	t.Setenv("MORRIGAN_DB_NAME", "staging")
	t.Setenv("MORRIGAN_LOG_LEVEL", "warn")
	t.Setenv("MORRIGAN_TOKEN_OPERATOR_TTL", "5m")
	t.Setenv("MORRIGAN_HEARTBEAT_INTERVAL", "7s")
	t.Setenv("MORRIGAN_BOOTSTRAP_PASSWORD", "first-start")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("HTTP.Port = %d, want 9000", cfg.HTTP.Port)
	}
	if cfg.Database.DBName != "staging" {
		t.Errorf("DBName = %q", cfg.Database.DBName)
	}
	if cfg.Logger.Level != "warn" {
		t.Errorf("Level = %q", cfg.Logger.Level)
	}
	if cfg.Tokens.OperatorTTL.Std() != 5*time.Minute {
		t.Errorf("OperatorTTL = %s", cfg.Tokens.OperatorTTL)
	}
	if cfg.Connection.HeartbeatInterval.Std() != 7*time.Second {
		t.Errorf("HeartbeatInterval = %s", cfg.Connection.HeartbeatInterval)
	}
	if cfg.Auth.BootstrapPassword != "first-start" {
		t.Errorf("BootstrapPassword = %q", cfg.Auth.BootstrapPassword)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"tlsPair", func(c *Config) { c.HTTP.Secure = true; c.HTTP.CertPath = "/cert.pem" }, "keyPath"},
		{"dbname", func(c *Config) { c.Database.DBName = "" }, "dbname"},
		{"level", func(c *Config) { c.Logger.Level = "loud" }, "level"},
		{"stateDir", func(c *Config) { c.StateDir = "" }, "stateDir"},
		{"operatorTTL", func(c *Config) { c.Tokens.OperatorTTL = 0 }, "operatorTTL"},
		{"heartbeat", func(c *Config) { c.Connection.HeartbeatInterval = -1 }, "heartbeatInterval"},
		{"module", func(c *Config) { c.Components["x"] = ComponentSpec{} }, "module"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestBootstrapPassword(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		cfg := Default()
		cfg.Auth.BootstrapPassword = "inline-secret"
		pw, err := cfg.BootstrapPassword()
		if err != nil || pw != "inline-secret" {
			t.Errorf("pw = %q, err = %v", pw, err)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pw")
		if err := os.WriteFile(path, []byte("file-secret\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg := Default()
		cfg.Auth.BootstrapPasswordFile = path
		pw, err := cfg.BootstrapPassword()
		if err != nil || pw != "file-secret" {
			t.Errorf("pw = %q, err = %v", pw, err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := Default()
		cfg.Auth.BootstrapPasswordFile = filepath.Join(t.TempDir(), "absent")
		if _, err := cfg.BootstrapPassword(); err == nil {
			t.Error("expected error for unreadable password file")
		}
	})

	t.Run("none configured", func(t *testing.T) {
		cfg := Default()
		pw, err := cfg.BootstrapPassword()
		if err != nil || pw != "" {
			t.Errorf("pw = %q, err = %v", pw, err)
		}
	})
}

func TestDurationYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "d.yaml")
	if err := os.WriteFile(path, []byte("tokens:\n  operatorTTL: 90s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tokens.OperatorTTL.Std() != 90*time.Second {
		t.Errorf("parsed = %s, want 90s", cfg.Tokens.OperatorTTL)
	}

	if _, err := Load(mustWrite(t, "tokens:\n  operatorTTL: soon\n")); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func mustWrite(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
