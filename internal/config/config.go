package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/david/grant-tracker/internal/agent"
)

// Config holds the full application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Agent    AgentConfig    `yaml:"agent" mapstructure:"agent"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Archive  ArchiveConfig  `yaml:"archive" mapstructure:"archive"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP trigger service.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	AdminSecret string   `yaml:"admin_secret" mapstructure:"admin_secret"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// StoreConfig selects the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// AgentConfig holds the remote extraction agent settings.
type AgentConfig struct {
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// PipelineConfig tunes the run orchestrator.
type PipelineConfig struct {
	SourceTimeoutSecs int    `yaml:"source_timeout_secs" mapstructure:"source_timeout_secs"`
	StaleWindowDays   int    `yaml:"stale_window_days" mapstructure:"stale_window_days"`
	MaxConcurrency    int    `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	RegistryPath      string `yaml:"registry_path" mapstructure:"registry_path"`
}

// ArchiveConfig points at the bucket raw agent payloads are copied to.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

func (p PipelineConfig) SourceTimeout() time.Duration {
	return time.Duration(p.SourceTimeoutSecs) * time.Second
}

func (p PipelineConfig) StaleWindow() time.Duration {
	return time.Duration(p.StaleWindowDays) * 24 * time.Hour
}

// Load reads configuration from config.yaml (optional) and the environment.
// Keys map to GRANTS_<SECTION>_<KEY>; a few unprefixed names used by
// existing deployments are accepted as well.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GRANTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	aliases := map[string]string{
		"agent.api_key":       "TINYFISH_API_KEY",
		"store.database_url":  "DATABASE_URL",
		"server.admin_secret": "ADMIN_SECRET",
		"server.port":         "PORT",
	}
	for key, legacy := range aliases {
		prefixed := "GRANTS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", key)
		}
	}

	v.SetDefault("server.port", 8081)
	v.SetDefault("server.cors_origins", []string{"http://localhost:4200"})
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "grant-tracker.db")
	v.SetDefault("agent.endpoint", agent.DefaultEndpoint)
	v.SetDefault("agent.rate_limit", 1.0)
	v.SetDefault("agent.max_attempts", 3)
	v.SetDefault("pipeline.source_timeout_secs", 300)
	v.SetDefault("pipeline.stale_window_days", 14)
	v.SetDefault("pipeline.max_concurrency", 1)
	v.SetDefault("pipeline.registry_path", "")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.endpoint", "localhost:9000")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.bucket", "agent-payloads")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.use_ssl", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Agent.APIKey = strings.TrimSpace(cfg.Agent.APIKey)
	cfg.Server.AdminSecret = strings.TrimSpace(cfg.Server.AdminSecret)
	cfg.Store.DatabaseURL = strings.TrimSpace(cfg.Store.DatabaseURL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url (DATABASE_URL) is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return eris.New("config: store.sqlite_path is required for the sqlite driver")
		}
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Pipeline.MaxConcurrency < 1 {
		return eris.Errorf("config: pipeline.max_concurrency must be at least 1, got %d", c.Pipeline.MaxConcurrency)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
