// Package config loads the coordinator's configuration: a YAML file plus
// TRACSEQ_-prefixed environment variable overrides, following the teacher's
// Viper-based convention but renamed to this service's own vocabulary.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xiebiao/tracseq-core/pkg/circuitbreaker"
)

// Config is the coordinator's top-level configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	EventBus EventBusConfig `mapstructure:"event_bus"`
	Services ServicesConfig `mapstructure:"services"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`

	// Breakers holds per-dependency circuit breaker overrides, populated
	// from CB_<DEP>_* environment variables rather than Viper (Viper can't
	// enumerate an open-ended <DEP> key-space on its own).
	Breakers map[string]circuitbreaker.Config `mapstructure:"-"`
}

// ServicesConfig holds the base URLs of the downstream LIMS microservices
// the sample-registration saga (internal/labworkflow) calls through
// pkg/circuitbreaker/httpfacade.
type ServicesConfig struct {
	SampleServiceURL     string `mapstructure:"sample_service_url"`
	StorageServiceURL    string `mapstructure:"storage_service_url"`
	SequencingServiceURL string `mapstructure:"sequencing_service_url"`
}

// TracingConfig configures the OpenTelemetry exporter (pkg/tracing).
// CollectorURL empty disables tracing entirely.
type TracingConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	CollectorURL string `mapstructure:"collector_url"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // debug | release | test
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds a pre-built DSN (DATABASE_URL, spec §6) plus the
// connection-pool settings; there are no split host/user/password fields.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the connection string GORM's MySQL driver expects.
func (d DatabaseConfig) DSN() string { return d.URL }

type EventBusConfig struct {
	URL                 string        `mapstructure:"url"` // redis://host:port/db
	DeadLetterThreshold int           `mapstructure:"dead_letter_threshold"`
	ReclaimInterval     time.Duration `mapstructure:"reclaim_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // console | json
	Output string `mapstructure:"output"` // stdout | stderr | /path/to/file
}

// Load reads config.yaml (if present) and applies TRACSEQ_-prefixed
// environment variable overrides, then parses per-dependency breaker
// settings separately since Viper can't enumerate CB_<DEP>_* on its own.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("TRACSEQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Breakers = ParseBreakerEnv(environ())

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("event_bus.dead_letter_threshold", 10)
	v.SetDefault("event_bus.reclaim_interval", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("services.sample_service_url", "http://sample-service:8080")
	v.SetDefault("services.storage_service_url", "http://storage-service:8080")
	v.SetDefault("services.sequencing_service_url", "http://sequencing-service:8080")
	v.SetDefault("tracing.service_name", "tracseq-coordinator")
}

// bindEnvAliases maps spec §6's flat env var names (DATABASE_URL,
// EVENT_BUS_URL, HOST, PORT) onto the nested config keys Viper otherwise
// expects as TRACSEQ_DATABASE_URL etc. Both forms are accepted.
func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("database.url", "TRACSEQ_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("event_bus.url", "TRACSEQ_EVENT_BUS_URL", "EVENT_BUS_URL")
	_ = v.BindEnv("server.host", "TRACSEQ_HOST", "HOST")
	_ = v.BindEnv("server.port", "TRACSEQ_PORT", "PORT")
	_ = v.BindEnv("tracing.collector_url", "TRACSEQ_TRACING_COLLECTOR_URL", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url (or DATABASE_URL) is required")
	}
	if cfg.EventBus.URL == "" {
		return fmt.Errorf("event_bus.url (or EVENT_BUS_URL) is required")
	}
	return nil
}
