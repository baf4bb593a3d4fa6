package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/amoylab/wshub/pkg/helper"
)

// EnvPrefix prefixes every environment override, e.g. WSHUB_HUB_MAX_CONNECTIONS
const EnvPrefix = "WSHUB_"

type (
	// Config is the root configuration of the wshub server
	Config struct {
		Server  ServerConfig  `yaml:"server" toml:"server" envPrefix:"SERVER_"`
		Hub     HubConfig     `yaml:"hub" toml:"hub" envPrefix:"HUB_"`
		Relay   RelayConfig   `yaml:"relay" toml:"relay" envPrefix:"RELAY_"`
		Logger  LoggerConfig  `yaml:"logger" toml:"logger" envPrefix:"LOGGER_"`
		Metrics MetricsConfig `yaml:"metrics" toml:"metrics" envPrefix:"METRICS_"`
		Tracing TracingConfig `yaml:"tracing" toml:"tracing" envPrefix:"TRACING_"`
	}

	// ServerConfig represents the HTTP listener configuration
	ServerConfig struct {
		Host             string        `yaml:"host" toml:"host" env:"HOST"`
		Port             int           `yaml:"port" toml:"port" env:"PORT"`
		AllowedOrigins   []string      `yaml:"allowed_origins" toml:"allowed_origins" env:"ALLOWED_ORIGINS"` // empty allows any origin
		ReadBufferSize   int           `yaml:"read_buffer_size" toml:"read_buffer_size" env:"READ_BUFFER_SIZE"`
		WriteBufferSize  int           `yaml:"write_buffer_size" toml:"write_buffer_size" env:"WRITE_BUFFER_SIZE"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
		ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	}

	// HubConfig represents the connection manager configuration
	HubConfig struct {
		PingInterval      time.Duration `yaml:"ping_interval" toml:"ping_interval" env:"PING_INTERVAL"`
		ConnectionTimeout time.Duration `yaml:"connection_timeout" toml:"connection_timeout" env:"CONNECTION_TIMEOUT"`
		MaxConnections    int           `yaml:"max_connections" toml:"max_connections" env:"MAX_CONNECTIONS"`
		HardLimit         int           `yaml:"hard_limit" toml:"hard_limit" env:"HARD_LIMIT"`    // safety cap checked before max_connections
		BufferSize        int           `yaml:"buffer_size" toml:"buffer_size" env:"BUFFER_SIZE"` // per-subscriber backlog, in messages
		ReaperInterval    time.Duration `yaml:"reaper_interval" toml:"reaper_interval" env:"REAPER_INTERVAL"`
		HealthInterval    time.Duration `yaml:"health_interval" toml:"health_interval" env:"HEALTH_INTERVAL"`
		WriteTimeout      time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
		MaxMessageSize    int64         `yaml:"max_message_size" toml:"max_message_size" env:"MAX_MESSAGE_SIZE"` // inbound frame limit in bytes
	}

	// RelayConfig represents the cross-instance Redis relay configuration
	RelayConfig struct {
		Enabled     bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
		ClusterType string `yaml:"cluster_type" toml:"cluster_type" env:"CLUSTER_TYPE"` // single, sentinel or cluster
		Addr        string `yaml:"addr" toml:"addr" env:"ADDR"`                         // comma or semicolon separated for sentinel and cluster
		MasterName  string `yaml:"master_name" toml:"master_name" env:"MASTER_NAME"`
		Username    string `yaml:"username" toml:"username" env:"USERNAME"`
		Password    string `yaml:"password" toml:"password" env:"PASSWORD"`
		DB          int    `yaml:"db" toml:"db" env:"DB"`
		Channel     string `yaml:"channel" toml:"channel" env:"CHANNEL"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level" toml:"level" env:"LEVEL"`                   // debug, info, warn, error
		Format     string `yaml:"format" toml:"format" env:"FORMAT"`                // json, console
		Output     string `yaml:"output" toml:"output" env:"OUTPUT"`                // stdout, file
		FilePath   string `yaml:"file_path" toml:"file_path" env:"FILE_PATH"`       // path to log file when output is file
		MaxSize    int    `yaml:"max_size" toml:"max_size" env:"MAX_SIZE"`          // max size of log file in MB
		MaxBackups int    `yaml:"max_backups" toml:"max_backups" env:"MAX_BACKUPS"` // max number of backup files
		MaxAge     int    `yaml:"max_age" toml:"max_age" env:"MAX_AGE"`             // max age of backup files in days
		Compress   bool   `yaml:"compress" toml:"compress" env:"COMPRESS"`
		Color      bool   `yaml:"color" toml:"color" env:"COLOR"`
		Stacktrace bool   `yaml:"stacktrace" toml:"stacktrace" env:"STACKTRACE"`
		TimeZone   string `yaml:"time_zone" toml:"time_zone" env:"TIME_ZONE"`
		TimeFormat string `yaml:"time_format" toml:"time_format" env:"TIME_FORMAT"`
	}

	// MetricsConfig represents the prometheus configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled" toml:"enabled" env:"ENABLED"`
		Path      string    `yaml:"path" toml:"path" env:"PATH"`
		Namespace string    `yaml:"namespace" toml:"namespace" env:"NAMESPACE"`
		Buckets   []float64 `yaml:"buckets" toml:"buckets" env:"BUCKETS"`
	}

	// TracingConfig represents the OpenTelemetry configuration
	TracingConfig struct {
		Enabled     bool              `yaml:"enabled" toml:"enabled" env:"ENABLED"`
		ServiceName string            `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
		Endpoint    string            `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"` // e.g. localhost:4317 or http://localhost:4318
		Protocol    string            `yaml:"protocol" toml:"protocol" env:"PROTOCOL"` // grpc or http
		Insecure    bool              `yaml:"insecure" toml:"insecure" env:"INSECURE"`
		SamplerRate float64           `yaml:"sampler_rate" toml:"sampler_rate" env:"SAMPLER_RATE"` // 0.0~1.0
		Environment string            `yaml:"environment" toml:"environment" env:"ENVIRONMENT"`
		Headers     map[string]string `yaml:"headers" toml:"headers" env:"HEADERS"`
	}
)

// Default returns the configuration used for any field a file leaves unset.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             3001,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Hub: DefaultHubConfig(),
		Relay: RelayConfig{
			ClusterType: "single",
			Channel:     "wshub:broadcast",
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			TimeZone:   "Local",
			TimeFormat: "2006-01-02 15:04:05",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "wshub",
		},
		Tracing: TracingConfig{
			ServiceName: "wshub",
			Protocol:    "grpc",
			SamplerRate: 1,
		},
	}
}

// DefaultHubConfig returns the connection manager defaults
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:      30 * time.Second,
		ConnectionTimeout: 5 * time.Minute,
		MaxConnections:    1000,
		HardLimit:         10000,
		BufferSize:        1024,
		ReaperInterval:    time.Minute,
		HealthInterval:    5 * time.Minute,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
	}
}

// Addr returns the listen address
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig loads configuration from a YAML or TOML file with environment
// variable support. Values are layered: defaults, then the file (after
// ${VAR:default} expansion), then WSHUB_* environment overrides.
func LoadConfig(filename string) (*Config, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	cfg := Default()
	if err := decode(cfgPath, resolveEnv(data), &cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("failed to parse %s: %w", cfgPath, err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, cfgPath, err
	}

	return &cfg, cfgPath, nil
}

// ApplyEnv overlays WSHUB_* environment variables onto cfg
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// resolveEnv replaces environment variable placeholders in the file content
func resolveEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := envPattern.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
