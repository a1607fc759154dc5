package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SKILLBARTER_DATABASE_URL for database.url.
const EnvPrefix = "SKILLBARTER"

// Config is the complete process configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Dispute  DisputeConfig  `mapstructure:"dispute"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig controls the pgx pool.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig holds the bearer token secret.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// DisputeConfig controls the adjudication engine.
type DisputeConfig struct {
	// ResponseWindow is how long the respondent has to answer before the
	// deadline sweep treats them as silent.
	ResponseWindow time.Duration `mapstructure:"response_window"`
	// FavorRespondentAt is the score at or below which a dispute resolves for
	// the respondent.
	FavorRespondentAt int `mapstructure:"favor_respondent_at"`
	// FavorComplainerAt is the score at or above which a dispute resolves for
	// the complainer.
	FavorComplainerAt int `mapstructure:"favor_complainer_at"`
}

// SweeperConfig controls the time-driven transitions.
type SweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// OutboxConfig controls notification dispatch.
type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: 30 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Dispute: DisputeConfig{
			ResponseWindow:    72 * time.Hour,
			FavorRespondentAt: 30,
			FavorComplainerAt: 70,
		},
		Sweeper: SweeperConfig{
			Interval:  time.Minute,
			BatchSize: 100,
		},
		Outbox: OutboxConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    50,
			MaxAttempts:  5,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// SetDefaults registers every default on v so env overrides and config files
// layer on top of them.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.min_conns", d.Database.MinConns)
	v.SetDefault("database.max_conn_lifetime", d.Database.MaxConnLifetime)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)

	v.SetDefault("dispute.response_window", d.Dispute.ResponseWindow)
	v.SetDefault("dispute.favor_respondent_at", d.Dispute.FavorRespondentAt)
	v.SetDefault("dispute.favor_complainer_at", d.Dispute.FavorComplainerAt)

	v.SetDefault("sweeper.interval", d.Sweeper.Interval)
	v.SetDefault("sweeper.batch_size", d.Sweeper.BatchSize)

	v.SetDefault("outbox.poll_interval", d.Outbox.PollInterval)
	v.SetDefault("outbox.batch_size", d.Outbox.BatchSize)
	v.SetDefault("outbox.max_attempts", d.Outbox.MaxAttempts)

	v.SetDefault("logging.level", d.Logging.Level)
}

// New builds a viper instance with defaults and environment binding. When
// path is non-empty that file is read; a missing default file is not an error.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("skillbarter")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/skillbarter")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
