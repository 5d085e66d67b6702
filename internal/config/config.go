// Package config loads the collector configuration from YAML, an optional
// .env file and MC_* environment variables.
// Precedence: environment variables > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "15s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Storage backends.
const (
	BackendSQLite     = "sqlite"
	BackendClickHouse = "clickhouse"
)

// Config holds all collector configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Collection CollectionConfig `yaml:"collection"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Storage    StorageConfig    `yaml:"storage"`
	Status     StatusConfig     `yaml:"status"`
	API        APIConfig        `yaml:"api"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AgentConfig struct {
	ID string `yaml:"id"`
}

// CollectionConfig holds the cycle timing and protocol limits.
type CollectionConfig struct {
	Interval          Duration `yaml:"interval"`
	BatchTimeout      Duration `yaml:"batch_timeout"`
	SequentialTimeout Duration `yaml:"sequential_timeout"`
	ConnectTimeout    Duration `yaml:"connect_timeout"`
	MaxWorkers        int      `yaml:"max_workers"`
	Batching          bool     `yaml:"batching"`
	RunOnStart        bool     `yaml:"run_on_start"`
}

// CatalogConfig locates the meter/device/register catalog.
type CatalogConfig struct {
	DBPath   string `yaml:"db_path"`
	SeedFile string `yaml:"seed_file"`
}

type StorageConfig struct {
	Backend    string           `yaml:"backend"`
	BatchSize  int              `yaml:"batch_size"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type ClickHouseConfig struct {
	Addr        []string `yaml:"addr"`
	Database    string   `yaml:"database"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	Table       string   `yaml:"table"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type StatusConfig struct {
	History int `yaml:"history"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTConfig controls cycle notifications. Topic may contain {agent_id}.
type MQTTConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Broker         string   `yaml:"broker"`
	ClientID       string   `yaml:"client_id"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Topic          string   `yaml:"topic"`
	QoS            byte     `yaml:"qos"`
	PublishTimeout Duration `yaml:"publish_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{ID: "collector-1"},
		Collection: CollectionConfig{
			Interval:          Duration{60 * time.Second},
			BatchTimeout:      Duration{10 * time.Second},
			SequentialTimeout: Duration{3 * time.Second},
			ConnectTimeout:    Duration{5 * time.Second},
			MaxWorkers:        8,
			Batching:          true,
		},
		Catalog: CatalogConfig{
			DBPath: "./collector.db",
		},
		Storage: StorageConfig{
			Backend:   BackendSQLite,
			BatchSize: 500,
			ClickHouse: ClickHouseConfig{
				Addr:        []string{"localhost:9000"},
				Database:    "default",
				Username:    "default",
				Table:       "meter_readings",
				DialTimeout: Duration{5 * time.Second},
			},
		},
		Status: StatusConfig{History: 20},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8089",
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			Topic:          "meters/{agent_id}/cycles",
			QoS:            1,
			PublishTimeout: Duration{5 * time.Second},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadFromBytes parses YAML configuration and merges it over the defaults.
// Environment variables override values from data.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configuration from a YAML file and merges it with defaults.
// If path is empty or the file does not exist, only defaults and environment
// variables are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		return LoadFromBytes(nil)
	}
	return LoadFromBytes(data)
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func getEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"MC_AGENT_ID":          &cfg.Agent.ID,
		"MC_CATALOG_DB_PATH":   &cfg.Catalog.DBPath,
		"MC_CATALOG_SEED_FILE": &cfg.Catalog.SeedFile,
		"MC_STORAGE_BACKEND":   &cfg.Storage.Backend,
		"MC_CLICKHOUSE_DB":     &cfg.Storage.ClickHouse.Database,
		"MC_CLICKHOUSE_USER":   &cfg.Storage.ClickHouse.Username,
		"MC_CLICKHOUSE_PASS":   &cfg.Storage.ClickHouse.Password,
		"MC_API_LISTEN":        &cfg.API.Listen,
		"MC_MQTT_BROKER":       &cfg.MQTT.Broker,
		"MC_MQTT_USERNAME":     &cfg.MQTT.Username,
		"MC_MQTT_PASSWORD":     &cfg.MQTT.Password,
		"MC_LOG_LEVEL":         &cfg.Logging.Level,
		"MC_LOG_FILE":          &cfg.Logging.File,
	}
	for key, dst := range strs {
		if v, ok := getEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := getEnv("MC_CLICKHOUSE_ADDR"); ok {
		cfg.Storage.ClickHouse.Addr = strings.Split(v, ",")
	}

	durations := map[string]*Duration{
		"MC_COLLECTION_INTERVAL": &cfg.Collection.Interval,
		"MC_BATCH_TIMEOUT":       &cfg.Collection.BatchTimeout,
		"MC_SEQUENTIAL_TIMEOUT":  &cfg.Collection.SequentialTimeout,
		"MC_CONNECT_TIMEOUT":     &cfg.Collection.ConnectTimeout,
	}
	for key, dst := range durations {
		if v, ok := getEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
			}
			dst.Duration = d
		}
	}

	ints := map[string]*int{
		"MC_MAX_WORKERS":    &cfg.Collection.MaxWorkers,
		"MC_STORAGE_BATCH":  &cfg.Storage.BatchSize,
		"MC_STATUS_HISTORY": &cfg.Status.History,
	}
	for key, dst := range ints {
		if v, ok := getEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"MC_BATCHING":     &cfg.Collection.Batching,
		"MC_API_ENABLED":  &cfg.API.Enabled,
		"MC_MQTT_ENABLED": &cfg.MQTT.Enabled,
	}
	for key, dst := range bools {
		if v, ok := getEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: invalid boolean %q: %w", key, v, err)
			}
			*dst = b
		}
	}
	return nil
}

// Validate checks that the configuration can drive a collector.
func (c *Config) Validate() error {
	var errs []error
	if c.Collection.Interval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("collection.interval must be positive"))
	}
	if c.Collection.BatchTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("collection.batch_timeout must be positive"))
	}
	if c.Collection.SequentialTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("collection.sequential_timeout must be positive"))
	}
	if c.Collection.ConnectTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("collection.connect_timeout must be positive"))
	}
	if c.Collection.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("collection.max_workers must be at least 1"))
	}
	if strings.TrimSpace(c.Catalog.DBPath) == "" {
		errs = append(errs, fmt.Errorf("catalog.db_path is required"))
	}
	switch c.Storage.Backend {
	case BackendSQLite:
	case BackendClickHouse:
		if len(c.Storage.ClickHouse.Addr) == 0 {
			errs = append(errs, fmt.Errorf("storage.clickhouse.addr is required"))
		}
		if c.Storage.ClickHouse.Table == "" {
			errs = append(errs, fmt.Errorf("storage.clickhouse.table is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Storage.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("storage.batch_size must be at least 1"))
	}
	if c.Status.History < 1 {
		errs = append(errs, fmt.Errorf("status.history must be at least 1"))
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, fmt.Errorf("api.listen is required when the api is enabled"))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker is required when mqtt is enabled"))
		}
		if c.MQTT.Topic == "" {
			errs = append(errs, fmt.Errorf("mqtt.topic is required when mqtt is enabled"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2"))
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// MQTTTopic returns the notification topic with placeholders expanded.
func (c *Config) MQTTTopic() string {
	return strings.ReplaceAll(c.MQTT.Topic, "{agent_id}", c.Agent.ID)
}
