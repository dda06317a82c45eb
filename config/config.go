package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	AISIEM AISIEMConfig `yaml:"aisiem"`
}

// AISIEMConfig is the project configuration.
type AISIEMConfig struct {
	Input       InputConfig       `yaml:"input"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Rules       RulesConfig       `yaml:"rules"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Store       StoreConfig       `yaml:"store"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment"`
	Events      EventsConfig      `yaml:"events"`
	API         APIConfig         `yaml:"api"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// InputConfig controls the input reader.
type InputConfig struct {
	Redis         RedisConfig `yaml:"redis"`
	DefaultSource string      `yaml:"default_source"`
}

// PipelineConfig controls pipeline behavior.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// SubmitRetries is how many times a detection is offered to an unavailable
	// correlator before it is dropped and counted.
	SubmitRetries int `yaml:"submit_retries"`
}

// RulesConfig controls detection rules.
type RulesConfig struct {
	Enabled           bool            `yaml:"enabled"`
	Path              string          `yaml:"path"`
	SeverityThreshold int             `yaml:"severity_threshold"`
	Burst             BurstRuleConfig `yaml:"burst"`
}

// BurstRuleConfig controls the repeated-event burst rule.
type BurstRuleConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Subtypes  []string      `yaml:"subtypes"`
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// CorrelationConfig controls incident aggregation.
type CorrelationConfig struct {
	CorrelationWindow time.Duration `yaml:"correlation_window"`
	InactivityClose   time.Duration `yaml:"inactivity_close"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	DedupeTags        bool          `yaml:"dedupe_tags"`
	LockStripes       int           `yaml:"lock_stripes"`
	MaxIDAttempts     int           `yaml:"max_id_attempts"`
	SeenDetections    int           `yaml:"seen_detections"`
}

// RedisConfig controls a Redis connection.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	KeyPrefix    string        `yaml:"key_prefix"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// StoreConfig controls incident persistence.
type StoreConfig struct {
	Mode   string       `yaml:"mode"` // sqlite|redis|none
	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`
}

// SQLiteConfig controls the SQLite database.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// EnrichmentConfig controls incident notifications to enrichment workers.
type EnrichmentConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Mode      string           `yaml:"mode"` // file|http|nats
	QueueSize int              `yaml:"queue_size"`
	File      FileOutputConfig `yaml:"file"`
	HTTP      HTTPOutputConfig `yaml:"http"`
	NATS      NATSConfig       `yaml:"nats"`
}

// NATSConfig controls NATS publishing.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// EventsConfig controls where normalized events are written.
type EventsConfig struct {
	Output EventOutputConfig `yaml:"output"`
}

// EventOutputConfig selects the normalized event sink.
type EventOutputConfig struct {
	Mode       string                 `yaml:"mode"` // none|file|sqlite|clickhouse
	File       FileOutputConfig       `yaml:"file"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// APIConfig controls the operator HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset option.
func ApplyDefaults(cfg *Config) {
	c := &cfg.AISIEM

	if c.Input.Redis.Addr == "" {
		c.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Input.Redis.Key == "" {
		c.Input.Redis.Key = "aisiem:raw"
	}
	if c.Input.Redis.BlockTimeout == 0 {
		c.Input.Redis.BlockTimeout = 5 * time.Second
	}
	if c.Input.DefaultSource == "" {
		c.Input.DefaultSource = "generic"
	}

	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.BatchSize <= 0 {
		c.Pipeline.BatchSize = 500
	}
	if c.Pipeline.FlushInterval <= 0 {
		c.Pipeline.FlushInterval = 2 * time.Second
	}
	if c.Pipeline.SubmitRetries <= 0 {
		c.Pipeline.SubmitRetries = 3
	}

	if c.Correlation.CorrelationWindow <= 0 {
		c.Correlation.CorrelationWindow = time.Hour
	}
	if c.Correlation.InactivityClose <= 0 {
		c.Correlation.InactivityClose = time.Hour
	}
	if c.Correlation.SweepInterval <= 0 {
		c.Correlation.SweepInterval = time.Minute
	}
	if c.Correlation.LockStripes <= 0 {
		c.Correlation.LockStripes = 64
	}
	if c.Correlation.MaxIDAttempts <= 0 {
		c.Correlation.MaxIDAttempts = 8
	}
	if c.Correlation.SeenDetections <= 0 {
		c.Correlation.SeenDetections = 100000
	}

	if c.Store.Mode == "" {
		c.Store.Mode = "sqlite"
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "data/aisiem.db"
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = c.Input.Redis.Addr
	}
	if c.Store.Redis.KeyPrefix == "" {
		c.Store.Redis.KeyPrefix = "aisiem:incidents"
	}

	if c.Enrichment.Mode == "" {
		c.Enrichment.Mode = "file"
	}
	if c.Enrichment.QueueSize <= 0 {
		c.Enrichment.QueueSize = 1024
	}
	if c.Enrichment.File.Path == "" {
		c.Enrichment.File.Path = "output/incidents.jsonl"
	}
	if c.Enrichment.NATS.URL == "" {
		c.Enrichment.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.Enrichment.NATS.Subject == "" {
		c.Enrichment.NATS.Subject = "aisiem.incidents"
	}

	if c.Events.Output.Mode == "" {
		c.Events.Output.Mode = "none"
	}
	if c.Events.Output.File.Path == "" {
		c.Events.Output.File.Path = "output/events.jsonl"
	}
	if c.Events.Output.ClickHouse.Database == "" {
		c.Events.Output.ClickHouse.Database = "aisiem"
	}
	if c.Events.Output.ClickHouse.Table == "" {
		c.Events.Output.ClickHouse.Table = "events"
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8000"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
