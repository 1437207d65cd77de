// Package config loads process settings with viper and the market catalog
// from YAML.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AllowOrigin  string        `mapstructure:"allow_origin"`
}

type StorageConfig struct {
	JournalDir       string        `mapstructure:"journal_dir"`
	SegmentSize      int64         `mapstructure:"segment_size"`
	SegmentDuration  time.Duration `mapstructure:"segment_duration"`
	SyncWrites       bool          `mapstructure:"sync_writes"`
	OutboxDir        string        `mapstructure:"outbox_dir"`
	SnapshotDir      string        `mapstructure:"snapshot_dir"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	EventsTopic   string   `mapstructure:"events_topic"`
	PricesTopic   string   `mapstructure:"prices_topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AuthConfig struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type EngineConfig struct {
	MaxBatchCancel   int           `mapstructure:"max_batch_cancel"`
	SelfTradePolicy  string        `mapstructure:"self_trade_policy"`
	DepthLevels      int           `mapstructure:"depth_levels"`
	PublishInterval  time.Duration `mapstructure:"publish_interval"`
	OracleSubject    string        `mapstructure:"oracle_subject"`
	MarketsFile      string        `mapstructure:"markets_file"`
	FeeSinkAccount   string        `mapstructure:"fee_sink_account"`
	InsuranceAccount string        `mapstructure:"insurance_account"`
}

type Config struct {
	ServiceName string         `mapstructure:"service_name"`
	Env         string         `mapstructure:"env"`
	LogLevel    string         `mapstructure:"log_level"`
	GRPC        GRPCConfig     `mapstructure:"grpc"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	Storage     StorageConfig  `mapstructure:"storage"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	Auth        AuthConfig     `mapstructure:"auth"`
	Engine      EngineConfig   `mapstructure:"engine"`
}

// Load reads path (optional) and PERPEX_* environment overrides, e.g.
// PERPEX_GRPC_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PERPEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "perpex")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("grpc.addr", ":50051")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.allow_origin", "*")

	v.SetDefault("storage.journal_dir", "./data/journal")
	v.SetDefault("storage.segment_size", 2*1024*1024)
	v.SetDefault("storage.segment_duration", "1m")
	v.SetDefault("storage.sync_writes", true)
	v.SetDefault("storage.outbox_dir", "./data/outbox")
	v.SetDefault("storage.snapshot_dir", "./data/snapshots")
	v.SetDefault("storage.snapshot_interval", "30s")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.events_topic", "perpex.events")
	v.SetDefault("kafka.prices_topic", "perpex.mark-prices")
	v.SetDefault("kafka.consumer_group", "perpex-oracle")
	v.SetDefault("postgres.dsn", "")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "perpex")
	v.SetDefault("auth.ttl", "24h")

	v.SetDefault("engine.max_batch_cancel", 50)
	v.SetDefault("engine.self_trade_policy", "cancel_resting")
	v.SetDefault("engine.depth_levels", 20)
	v.SetDefault("engine.publish_interval", "250ms")
	v.SetDefault("engine.oracle_subject", "oracle")
	v.SetDefault("engine.markets_file", "markets.yaml")
	v.SetDefault("engine.fee_sink_account", "fee-sink")
	v.SetDefault("engine.insurance_account", "insurance-fund")
}

func (c *Config) validate() error {
	if c.Engine.MaxBatchCancel <= 0 {
		return fmt.Errorf("engine.max_batch_cancel must be positive")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret required (PERPEX_AUTH_SECRET)")
	}
	if c.Storage.JournalDir == "" || c.Storage.OutboxDir == "" || c.Storage.SnapshotDir == "" {
		return fmt.Errorf("storage directories required")
	}
	return nil
}
