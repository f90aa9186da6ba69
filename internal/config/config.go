package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port                        string        `mapstructure:"PORT"`
	Env                         string        `mapstructure:"ENV"`
	LogLevel                    string        `mapstructure:"LOG_LEVEL"`
	StoreDriver                 string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL                 string        `mapstructure:"DATABASE_URL"`
	DBMaxConns                  int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns                  int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL                    string        `mapstructure:"REDIS_URL"`
	DraftTTL                    time.Duration `mapstructure:"DRAFT_TTL"`
	AuthSigningKey              string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer                  string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience                string        `mapstructure:"AUTH_AUDIENCE"`
	DevUserID                   string        `mapstructure:"DEV_USER_ID"`
	DevUserRole                 string        `mapstructure:"DEV_USER_ROLE"`
	DevUserCredential           string        `mapstructure:"DEV_USER_CREDENTIAL"`
	PatientSignatureCredentials []string      `mapstructure:"PATIENT_SIGNATURE_CREDENTIALS"`
	CORSOrigins                 []string      `mapstructure:"CORS_ORIGINS"`
	PHIKeys                     string        `mapstructure:"PHI_KEYS"`
	WebhookWorkers              int           `mapstructure:"WEBHOOK_WORKERS"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "DRAFT_TTL", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"DEV_USER_ID", "DEV_USER_ROLE", "DEV_USER_CREDENTIAL",
	"PATIENT_SIGNATURE_CREDENTIALS", "CORS_ORIGINS", "PHI_KEYS", "WEBHOOK_WORKERS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DRAFT_TTL", "72h")
	v.SetDefault("AUTH_ISSUER", "visit-server")
	v.SetDefault("DEV_USER_ID", "00000000-0000-0000-0000-00000000d3e5")
	v.SetDefault("DEV_USER_ROLE", "admin")
	v.SetDefault("PATIENT_SIGNATURE_CREDENTIALS", "LPN,LVN")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("WEBHOOK_WORKERS", 4)

	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.PatientSignatureCredentials = splitList(cfg.PatientSignatureCredentials, v.GetString("PATIENT_SIGNATURE_CREDENTIALS"))
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if cfg.StoreDriver == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StorePostgres)
	}

	if cfg.IsDev() {
		log.Warn().Msg("server is running in DEVELOPMENT mode: requests without a bearer token act as the dev user")
	}
	return cfg, nil
}

// splitList normalises list settings that arrive as one comma separated string.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		raw = parsed[0]
		parsed = nil
	}
	if parsed == nil && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(parsed))
	for _, p := range parsed {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.StoreDriver != StorePostgres && c.StoreDriver != StoreMemory {
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreDriver)
	}
	if c.IsProduction() && c.StoreDriver == StoreMemory {
		return fmt.Errorf("STORE_DRIVER=%s is not allowed in production", StoreMemory)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes outside development (ENV=%q)", c.Env)
	}
	if c.DraftTTL <= 0 {
		return fmt.Errorf("DRAFT_TTL must be positive, got %s", c.DraftTTL)
	}
	if c.IsProduction() && c.PHIKeys == "" {
		return fmt.Errorf("PHI_KEYS is required in production")
	}
	if c.WebhookWorkers < 1 {
		return fmt.Errorf("WEBHOOK_WORKERS must be at least 1, got %d", c.WebhookWorkers)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
