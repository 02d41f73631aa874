// internal/common/config/config.go
package config

import "time"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Redis         RedisConfig        `mapstructure:"redis"`
	Browser       BrowserConfig      `mapstructure:"browser"`
	Login         LoginConfig        `mapstructure:"login"`
	Pool          PoolConfig         `mapstructure:"pool"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Audit         AuditConfig        `mapstructure:"audit"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Diagnostics   DiagnosticsConfig  `mapstructure:"diagnostics"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// RedisConfig describes the replicated session cache. URLs are tried in
// order; the connection manager advances on connection-class errors.
type RedisConfig struct {
	URLs          []string `mapstructure:"urls"`
	KeyPrefix     string   `mapstructure:"key_prefix"`
	SessionTTL    int      `mapstructure:"session_ttl"`     // milliseconds
	LockTTL       int      `mapstructure:"lock_ttl"`        // milliseconds
	MaxSessionAge int      `mapstructure:"max_session_age"` // milliseconds, idle age before expiry
	DialTimeout   int      `mapstructure:"dial_timeout"`    // milliseconds
	MaxBackoff    int      `mapstructure:"max_backoff"`     // milliseconds, cap for reconnect backoff
}

type BrowserConfig struct {
	Headless       bool   `mapstructure:"headless"`
	UserAgent      string `mapstructure:"user_agent"`
	ViewportWidth  int    `mapstructure:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height"`
}

// LoginConfig holds provider URLs and sequence-level policy.
type LoginConfig struct {
	IdentifierURL   string  `mapstructure:"identifier_url"`
	TargetURL       string  `mapstructure:"target_url"`
	Timeout         int     `mapstructure:"timeout"`      // milliseconds, whole-sequence budget
	StepTimeout     int     `mapstructure:"step_timeout"` // milliseconds, per-transition bound
	MaxRetries      int     `mapstructure:"max_retries"`
	HumanEmulation  bool    `mapstructure:"human_emulation"`
	DelayMultiplier float64 `mapstructure:"delay_multiplier"`
	Stealth         bool    `mapstructure:"stealth"`
}

// PoolConfig holds the instance sweep policy. Entries idle past IdleThreshold
// are hibernated; past twice that, removed.
type PoolConfig struct {
	SweepInterval int `mapstructure:"sweep_interval"` // milliseconds
	IdleThreshold int `mapstructure:"idle_threshold"` // milliseconds
}

// NotificationConfig holds settings for challenge alert delivery.
type NotificationConfig struct {
	Email struct {
		Enabled   bool   `mapstructure:"enabled"`
		FromEmail string `mapstructure:"from_email"`
		ToEmail   string `mapstructure:"to_email"`
	} `mapstructure:"email"`
	SMS struct {
		Enabled     bool   `mapstructure:"enabled"`
		PhoneNumber string `mapstructure:"phone_number"`
	} `mapstructure:"sms"`
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`
}

// AuditConfig holds settings for the attempt audit trail.
type AuditConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// DiagnosticsConfig holds the diagnostics/metrics HTTP server settings.
type DiagnosticsConfig struct {
	Address string `mapstructure:"address"`
}

// GetDuration converts milliseconds from config to time.Duration.
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
