// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	// Base config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like REDIS_URLS
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment-specific overlay
	envConfigFile := fmt.Sprintf("config.%s", env)
	viper.SetConfigName(envConfigFile)
	_ = viper.MergeInConfig() // ignore error if not found

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() {
	// Try multiple paths (for running from different directories)
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)

		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

// Direct override if config values are still empty after expansion
func overrideEmptyConfig(cfg *Config) {
	if len(cfg.Redis.URLs) == 0 {
		if val := os.Getenv("REDIS_URLS"); val != "" {
			cfg.Redis.URLs = strings.Split(val, ",")
		} else if val := os.Getenv("REDIS_URL"); val != "" {
			cfg.Redis.URLs = []string{val}
		}
	}

	if cfg.Notifications.AWS.Region == "" {
		if val := os.Getenv("AWS_REGION"); val != "" {
			cfg.Notifications.AWS.Region = val
		}
	}

	if cfg.Audit.Username == "" {
		if val := os.Getenv("ELASTICSEARCH_USERNAME"); val != "" {
			cfg.Audit.Username = val
		}
	}
	if cfg.Audit.Password == "" {
		if val := os.Getenv("ELASTICSEARCH_PASSWORD"); val != "" {
			cfg.Audit.Password = val
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "browser-auth"
	}

	// Redis defaults
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "browser-auth"
	}
	if cfg.Redis.SessionTTL == 0 {
		cfg.Redis.SessionTTL = 7 * 24 * 60 * 60 * 1000 // 7 days
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 5000
	}
	if cfg.Redis.MaxSessionAge == 0 {
		cfg.Redis.MaxSessionAge = 7 * 24 * 60 * 60 * 1000
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5000
	}
	if cfg.Redis.MaxBackoff == 0 {
		cfg.Redis.MaxBackoff = 30000
	}

	// Browser defaults
	if cfg.Browser.ViewportWidth == 0 {
		cfg.Browser.ViewportWidth = 1366
	}
	if cfg.Browser.ViewportHeight == 0 {
		cfg.Browser.ViewportHeight = 768
	}

	// Login defaults
	if cfg.Login.IdentifierURL == "" {
		cfg.Login.IdentifierURL = "https://accounts.google.com/ServiceLogin"
	}
	if cfg.Login.TargetURL == "" {
		cfg.Login.TargetURL = "https://business.google.com/dashboard"
	}
	if cfg.Login.Timeout == 0 {
		cfg.Login.Timeout = 90000
	}
	if cfg.Login.StepTimeout == 0 {
		cfg.Login.StepTimeout = 15000
	}
	if cfg.Login.MaxRetries == 0 {
		cfg.Login.MaxRetries = 2
	}
	if cfg.Login.DelayMultiplier == 0 {
		cfg.Login.DelayMultiplier = 1.0
	}

	// Pool defaults: sweep every 5 minutes, hibernate after 30 idle minutes
	if cfg.Pool.SweepInterval == 0 {
		cfg.Pool.SweepInterval = 5 * 60 * 1000
	}
	if cfg.Pool.IdleThreshold == 0 {
		cfg.Pool.IdleThreshold = 30 * 60 * 1000
	}

	// Audit defaults
	if cfg.Audit.Index == "" {
		cfg.Audit.Index = "login-attempts"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	// Diagnostics defaults
	if cfg.Diagnostics.Address == "" {
		cfg.Diagnostics.Address = ":8090"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if len(cfg.Redis.URLs) == 0 {
		return fmt.Errorf("redis.urls is required")
	}
	for _, u := range cfg.Redis.URLs {
		if !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
			return fmt.Errorf("redis.urls entry %q must use the redis:// scheme", u)
		}
	}

	if cfg.Login.IdentifierURL == "" {
		return fmt.Errorf("login.identifier_url is required")
	}
	if cfg.Login.TargetURL == "" {
		return fmt.Errorf("login.target_url is required")
	}

	if cfg.Notifications.Email.Enabled && cfg.Notifications.Email.FromEmail == "" {
		return fmt.Errorf("notifications.email.from_email is required when email is enabled")
	}
	if cfg.Audit.Enabled && len(cfg.Audit.Addresses) == 0 {
		return fmt.Errorf("audit.addresses is required when audit is enabled")
	}

	return nil
}
