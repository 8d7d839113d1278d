package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	LogLevel      string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit     string   `mapstructure:"BODY_LIMIT"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	DeltaLookupTimeout time.Duration `mapstructure:"DELTA_LOOKUP_TIMEOUT"`

	CriticalNotifyRecipient string `mapstructure:"CRITICAL_NOTIFY_RECIPIENT"`
	CriticalNotifyChannel   string `mapstructure:"CRITICAL_NOTIFY_CHANNEL"`

	QCHistorySize int `mapstructure:"QC_HISTORY_SIZE"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "CORS_ORIGINS", "BODY_LIMIT",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT", "DELTA_LOOKUP_TIMEOUT",
	"CRITICAL_NOTIFY_RECIPIENT", "CRITICAL_NOTIFY_CHANNEL",
	"QC_HISTORY_SIZE",
	"MIGRATIONS_DIR",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("AUTH_ISSUER", "lis")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("DELTA_LOOKUP_TIMEOUT", "2s")
	v.SetDefault("CRITICAL_NOTIFY_CHANNEL", "email")
	v.SetDefault("QC_HISTORY_SIZE", 10)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	return v
}

// Load reads .env and the environment. DATABASE_URL is required.
func Load() (*Config, error) {
	cfg, err := LoadWithoutDatabase()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// LoadWithoutDatabase is Load for commands that never open a pool.
func LoadWithoutDatabase() (*Config, error) {
	v := newViper()
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.CriticalNotifyChannel = strings.ToLower(strings.TrimSpace(cfg.CriticalNotifyChannel))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q; refusing to start without authentication", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
	}
	switch c.CriticalNotifyChannel {
	case "email", "sms":
	default:
		return fmt.Errorf("CRITICAL_NOTIFY_CHANNEL must be \"email\" or \"sms\", got %q", c.CriticalNotifyChannel)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.DeltaLookupTimeout <= 0 {
		return fmt.Errorf("DELTA_LOOKUP_TIMEOUT must be positive, got %s", c.DeltaLookupTimeout)
	}
	if c.DeltaLookupTimeout > c.RequestTimeout {
		return fmt.Errorf("DELTA_LOOKUP_TIMEOUT (%s) must not exceed REQUEST_TIMEOUT (%s)", c.DeltaLookupTimeout, c.RequestTimeout)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.QCHistorySize < 10 {
		return fmt.Errorf("QC_HISTORY_SIZE must be at least 10 to evaluate the 10x rule, got %d", c.QCHistorySize)
	}
	return nil
}
