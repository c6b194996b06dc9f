package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/oncaudit/oncaudit/internal/domain/export"
)

type Config struct {
	Port                  string   `mapstructure:"PORT"`
	Env                   string   `mapstructure:"ENV"`
	DatabaseURL           string   `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins           []string `mapstructure:"CORS_ORIGINS"`
	CompletenessThreshold float64  `mapstructure:"COMPLETENESS_THRESHOLD"`
	DefaultSchemaVersion  string   `mapstructure:"DEFAULT_SCHEMA_VERSION"`
	RuleTableFile         string   `mapstructure:"RULE_TABLE_FILE"`
	StagingTableFile      string   `mapstructure:"STAGING_TABLE_FILE"`
	RecomputeWorkers      int      `mapstructure:"RECOMPUTE_WORKERS"`
	TLSEnabled            bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile           string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile            string   `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("COMPLETENESS_THRESHOLD", 85)
	v.SetDefault("DEFAULT_SCHEMA_VERSION", string(export.SchemaV10))
	v.SetDefault("RECOMPUTE_WORKERS", 8)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("COMPLETENESS_THRESHOLD")
	v.BindEnv("DEFAULT_SCHEMA_VERSION")
	v.BindEnv("RULE_TABLE_FILE")
	v.BindEnv("STAGING_TABLE_FILE")
	v.BindEnv("RECOMPUTE_WORKERS")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run with.
func (c *Config) Validate() error {
	if c.CompletenessThreshold < 0 || c.CompletenessThreshold > 100 {
		return fmt.Errorf("COMPLETENESS_THRESHOLD must be within [0, 100], got %g", c.CompletenessThreshold)
	}
	if _, err := export.ParseSchemaVersion(c.DefaultSchemaVersion); err != nil {
		return fmt.Errorf("DEFAULT_SCHEMA_VERSION: %w", err)
	}
	if c.RecomputeWorkers < 1 {
		return fmt.Errorf("RECOMPUTE_WORKERS must be at least 1, got %d", c.RecomputeWorkers)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
