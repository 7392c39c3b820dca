// Package config loads server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDBName is the database name used when none is configured.
// Running with it is allowed but warned about at startup.
const DefaultDBName = "test"

// Config holds all server configuration.
type Config struct {
	HTTP        HTTPConfig               `yaml:"http"`
	Database    DatabaseConfig           `yaml:"database"`
	Logger      LoggerConfig             `yaml:"logger"`
	StateDir    string                   `yaml:"stateDir"`
	Auth        AuthConfig               `yaml:"auth"`
	Tokens      TokenConfig              `yaml:"tokens"`
	Connection  ConnectionConfig         `yaml:"connection"`
	Instance    InstanceConfig           `yaml:"instance"`
	Maintenance MaintenanceConfig        `yaml:"maintenance"`
	Metrics     MetricsConfig            `yaml:"metrics"`
	Monitor     MonitorConfig            `yaml:"monitor"`
	Components  map[string]ComponentSpec `yaml:"components"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Port     int    `yaml:"port"`
	Secure   bool   `yaml:"secure"`
	CertPath string `yaml:"certPath"`
	KeyPath  string `yaml:"keyPath"`
}

// DatabaseConfig configures the document store.
type DatabaseConfig struct {
	// ConnectionString is the driver-specific location. For the built-in
	// driver it is a file path; empty means <stateDir>/<dbname>.db.
	ConnectionString string `yaml:"connectionString"`
	DBName           string `yaml:"dbname"`
}

// LoggerConfig configures logging output.
type LoggerConfig struct {
	Console bool   `yaml:"console"`
	JSON    bool   `yaml:"json"`
	LogDir  string `yaml:"logDir"`
	Level   string `yaml:"level"`
}

// AuthConfig configures identity bootstrapping.
type AuthConfig struct {
	BootstrapPassword     string `yaml:"bootstrapPassword"`
	BootstrapPasswordFile string `yaml:"bootstrapPasswordFile"`
}

// TokenConfig configures the token services.
type TokenConfig struct {
	// RotationInterval is how often signing keys are replaced. Zero or
	// negative means a fresh key per issued token.
	RotationInterval Duration `yaml:"rotationInterval"`
	OperatorTTL      Duration `yaml:"operatorTTL"`
	ClientTTL        Duration `yaml:"clientTTL"`
}

// ConnectionConfig configures agent sessions.
type ConnectionConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
}

// InstanceConfig configures cluster instance reporting.
type InstanceConfig struct {
	CheckInInterval Duration `yaml:"checkInInterval"`
}

// MaintenanceConfig configures the background janitor.
type MaintenanceConfig struct {
	// Schedule is a cron spec (robfig/cron syntax, @every accepted).
	Schedule string `yaml:"schedule"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	// TextfilePath, when set, is where the janitor writes a snapshot in
	// Prometheus exposition format for the node_exporter textfile collector.
	TextfilePath string `yaml:"textfilePath"`
}

// MonitorConfig configures the event relay.
type MonitorConfig struct {
	MQTT *MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the MQTT relay sink.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"clientId"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// ComponentSpec declares one component instance: which module implements it
// plus free-form module options.
type ComponentSpec struct {
	Module    string         `yaml:"module"`
	Providers []string       `yaml:"providers"`
	Options   map[string]any `yaml:",inline"`
}

// Default returns the configuration used when no file and no overrides are
// present.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: 3000},
		Database: DatabaseConfig{
			DBName: DefaultDBName,
		},
		Logger:   LoggerConfig{Console: true, Level: "info"},
		StateDir: "/morrigan.server/state",
		Tokens: TokenConfig{
			RotationInterval: Duration(6 * time.Hour),
			OperatorTTL:      Duration(30 * time.Minute),
			ClientTTL:        Duration(720 * time.Hour),
		},
		Connection:  ConnectionConfig{HeartbeatInterval: Duration(30 * time.Second)},
		Instance:    InstanceConfig{CheckInInterval: Duration(30 * time.Second)},
		Maintenance: MaintenanceConfig{Schedule: "@every 5m"},
		Components: map[string]ComponentSpec{
			"auth":       {Module: "auth"},
			"client":     {Module: "client"},
			"connection": {Module: "connection"},
		},
	}
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist, then applies environment overrides. An empty path skips the
// file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays MORRIGAN_* environment variables on scalar settings.
func (c *Config) applyEnv() {
	c.HTTP.Port = envInt("MORRIGAN_HTTP_PORT", c.HTTP.Port)
	c.HTTP.Secure = envBool("MORRIGAN_HTTP_SECURE", c.HTTP.Secure)
	c.HTTP.CertPath = envStr("MORRIGAN_HTTP_CERT", c.HTTP.CertPath)
	c.HTTP.KeyPath = envStr("MORRIGAN_HTTP_KEY", c.HTTP.KeyPath)
	c.Database.ConnectionString = envStr("MORRIGAN_DB_CONNECTION", c.Database.ConnectionString)
	c.Database.DBName = envStr("MORRIGAN_DB_NAME", c.Database.DBName)
	c.Logger.Console = envBool("MORRIGAN_LOG_CONSOLE", c.Logger.Console)
	c.Logger.JSON = envBool("MORRIGAN_LOG_JSON", c.Logger.JSON)
	c.Logger.LogDir = envStr("MORRIGAN_LOG_DIR", c.Logger.LogDir)
	c.Logger.Level = envStr("MORRIGAN_LOG_LEVEL", c.Logger.Level)
	c.StateDir = envStr("MORRIGAN_STATE_DIR", c.StateDir)
	c.Auth.BootstrapPassword = envStr("MORRIGAN_BOOTSTRAP_PASSWORD", c.Auth.BootstrapPassword)
	c.Auth.BootstrapPasswordFile = envStr("MORRIGAN_BOOTSTRAP_PASSWORD_FILE", c.Auth.BootstrapPasswordFile)
	c.Tokens.RotationInterval = envDuration("MORRIGAN_TOKEN_ROTATION", c.Tokens.RotationInterval)
	c.Tokens.OperatorTTL = envDuration("MORRIGAN_TOKEN_OPERATOR_TTL", c.Tokens.OperatorTTL)
	c.Tokens.ClientTTL = envDuration("MORRIGAN_TOKEN_CLIENT_TTL", c.Tokens.ClientTTL)
	c.Connection.HeartbeatInterval = envDuration("MORRIGAN_HEARTBEAT_INTERVAL", c.Connection.HeartbeatInterval)
	c.Instance.CheckInInterval = envDuration("MORRIGAN_CHECKIN_INTERVAL", c.Instance.CheckInInterval)
	c.Maintenance.Schedule = envStr("MORRIGAN_MAINTENANCE_SCHEDULE", c.Maintenance.Schedule)
	c.Metrics.TextfilePath = envStr("MORRIGAN_METRICS_TEXTFILE", c.Metrics.TextfilePath)
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port must be 1-65535, got %d", c.HTTP.Port))
	}
	if c.HTTP.Secure && (c.HTTP.CertPath == "") != (c.HTTP.KeyPath == "") {
		errs = append(errs, fmt.Errorf("http.certPath and http.keyPath must be set together"))
	}
	if c.Database.DBName == "" {
		errs = append(errs, fmt.Errorf("database.dbname must not be empty"))
	}
	if _, err := logLevelCheck(c.Logger.Level); err != nil {
		errs = append(errs, err)
	}
	if c.StateDir == "" {
		errs = append(errs, fmt.Errorf("stateDir must not be empty"))
	}
	if c.Tokens.OperatorTTL <= 0 {
		errs = append(errs, fmt.Errorf("tokens.operatorTTL must be > 0, got %s", c.Tokens.OperatorTTL))
	}
	if c.Tokens.ClientTTL <= 0 {
		errs = append(errs, fmt.Errorf("tokens.clientTTL must be > 0, got %s", c.Tokens.ClientTTL))
	}
	if c.Connection.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("connection.heartbeatInterval must be > 0, got %s", c.Connection.HeartbeatInterval))
	}
	if c.Instance.CheckInInterval <= 0 {
		errs = append(errs, fmt.Errorf("instance.checkInInterval must be > 0, got %s", c.Instance.CheckInInterval))
	}
	for name, spec := range c.Components {
		if spec.Module == "" {
			errs = append(errs, fmt.Errorf("components.%s: module must be set", name))
		}
	}
	return errors.Join(errs...)
}

// BootstrapPassword resolves the initial admin password from the inline
// setting or the referenced file. Empty result means none was configured.
func (c *Config) BootstrapPassword() (string, error) {
	if c.Auth.BootstrapPassword != "" {
		return c.Auth.BootstrapPassword, nil
	}
	if c.Auth.BootstrapPasswordFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Auth.BootstrapPasswordFile)
	if err != nil {
		return "", fmt.Errorf("read auth.bootstrapPasswordFile: %w", err)
	}
	return trimNewline(string(data)), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func logLevelCheck(level string) (string, error) {
	switch level {
	case "", "debug", "info", "warn", "warning", "error":
		return level, nil
	default:
		return "", fmt.Errorf("logger.level must be debug, info, warn, or error, got %q", level)
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def Duration) Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return Duration(d)
}
