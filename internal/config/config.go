package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/conflicts"
	"github.com/spf13/viper"
)

const (
	envPrefix                     = "COWRITE"
	defaultHTTPAddress            = "0.0.0.0:8080"
	defaultDatabaseDriver         = "sqlite"
	defaultDatabaseDSN            = "cowrite.db"
	defaultLogLevel               = "info"
	defaultLogFormat              = "json"
	defaultAuthIssuer             = "cowrite"
	defaultCookieName             = "cowrite_session"
	defaultChangeLogMaxEntries    = 100
	defaultChangeLogTTL           = 24 * time.Hour
	defaultChangeLogSweepInterval = time.Minute
	defaultStoreTimeout           = 5 * time.Second
	defaultConflictWindow         = 2 * time.Second
	defaultKafkaTopic             = "cowrite.changes"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress            string
	AllowedOrigins         []string
	DatabaseDriver         string
	DatabaseDSN            string
	LogLevel               string
	LogFormat              string
	AuthSigningSecret      string
	AuthIssuer             string
	AuthCookieName         string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	ChangeLogMaxEntries    int
	ChangeLogTTL           time.Duration
	ChangeLogSweepInterval time.Duration
	StoreTimeout           time.Duration
	ConflictStrategy       conflicts.Strategy
	ConflictWindow         time.Duration
	KafkaBrokers           []string
	KafkaTopic             string
	JaegerEndpoint         string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("redis.addr", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("changelog.max_entries", defaultChangeLogMaxEntries)
	configViper.SetDefault("changelog.ttl", defaultChangeLogTTL)
	configViper.SetDefault("changelog.sweep_interval", defaultChangeLogSweepInterval)
	configViper.SetDefault("store.timeout", defaultStoreTimeout)
	configViper.SetDefault("conflicts.strategy", string(conflicts.StrategyLastWriterWins))
	configViper.SetDefault("conflicts.window", defaultConflictWindow)
	configViper.SetDefault("kafka.brokers", []string{})
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("tracing.jaeger_endpoint", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	strategy, err := conflicts.ParseStrategy(configViper.GetString("conflicts.strategy"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("conflicts.strategy: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		AllowedOrigins:         splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:         strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:            configViper.GetString("database.dsn"),
		LogLevel:               configViper.GetString("log.level"),
		LogFormat:              configViper.GetString("log.format"),
		AuthSigningSecret:      configViper.GetString("auth.signing_secret"),
		AuthIssuer:             configViper.GetString("auth.issuer"),
		AuthCookieName:         configViper.GetString("auth.cookie_name"),
		RedisAddr:              strings.TrimSpace(configViper.GetString("redis.addr")),
		RedisPassword:          configViper.GetString("redis.password"),
		RedisDB:                configViper.GetInt("redis.db"),
		ChangeLogMaxEntries:    configViper.GetInt("changelog.max_entries"),
		ChangeLogTTL:           configViper.GetDuration("changelog.ttl"),
		ChangeLogSweepInterval: configViper.GetDuration("changelog.sweep_interval"),
		StoreTimeout:           configViper.GetDuration("store.timeout"),
		ConflictStrategy:       strategy,
		ConflictWindow:         configViper.GetDuration("conflicts.window"),
		KafkaBrokers:           splitList(configViper.GetStringSlice("kafka.brokers")),
		KafkaTopic:             strings.TrimSpace(configViper.GetString("kafka.topic")),
		JaegerEndpoint:         strings.TrimSpace(configViper.GetString("tracing.jaeger_endpoint")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// UsesRedis reports whether the change log and broadcast bus are shared through Redis.
func (c AppConfig) UsesRedis() bool {
	return c.RedisAddr != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("database.driver must be one of sqlite, mysql, postgres")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.ChangeLogMaxEntries <= 0 {
		return fmt.Errorf("changelog.max_entries must be positive")
	}
	if c.ChangeLogTTL <= 0 {
		return fmt.Errorf("changelog.ttl must be positive")
	}
	if c.ChangeLogSweepInterval <= 0 {
		return fmt.Errorf("changelog.sweep_interval must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store.timeout must be positive")
	}
	if c.ConflictWindow <= 0 {
		return fmt.Errorf("conflicts.window must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated value,
// which is how list settings arrive from the environment.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
