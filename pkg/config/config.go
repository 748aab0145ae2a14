package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	Logging    LoggingConfig
	Kafka      KafkaConfig
	Outbox     OutboxRelayConfig
	Engagement EngagementConfig
	Analytics  AnalyticsConfig
	Retention  RetentionConfig
	Notify     NotifyConfig
	Tracing    TracingConfig
}

type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogQueries   bool   `mapstructure:"log_queries"`
}

type RedisConfig struct {
	Addresses   []string      `mapstructure:"addresses"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	ClusterMode bool          `mapstructure:"cluster_mode"`
	SequenceTTL time.Duration `mapstructure:"sequence_ttl"`
}

type ClickHouseConfig struct {
	Hosts    []string `mapstructure:"hosts"`
	Database string   `mapstructure:"database"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type AuthConfig struct {
	JWTSecret           string        `mapstructure:"jwt_secret"`
	AdminToken          string        `mapstructure:"admin_token"`
	ParticipantTokenTTL time.Duration `mapstructure:"participant_token_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type KafkaConfig struct {
	Brokers          []string `mapstructure:"brokers"`
	ClientID         string   `mapstructure:"client_id"`
	EventTopic       string   `mapstructure:"event_topic"`
	RetryTopic       string   `mapstructure:"retry_topic"`
	DLQTopic         string   `mapstructure:"dlq_topic"`
	NotifyTopic      string   `mapstructure:"notify_topic"`
	NotifyRetryTopic string   `mapstructure:"notify_retry_topic"`
	NotifyDLQTopic   string   `mapstructure:"notify_dlq_topic"`
	NotifyGroup      string   `mapstructure:"notify_group"`
	MaxRetries       int      `mapstructure:"max_retries"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type EngagementConfig struct {
	Points         map[string]int `mapstructure:"points"`
	StreakWindow   time.Duration  `mapstructure:"streak_window"`
	StreakBreak    time.Duration  `mapstructure:"streak_break"`
	DisabledBadges []string       `mapstructure:"disabled_badges"`
}

type AnalyticsConfig struct {
	StorageDriver string        `mapstructure:"storage_driver"` // postgres or clickhouse
	QueryTimeout  time.Duration `mapstructure:"query_timeout"`
}

type RetentionConfig struct {
	EventHorizon  time.Duration `mapstructure:"event_horizon"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	OutboxTTL     time.Duration `mapstructure:"outbox_ttl"`
}

type NotifyConfig struct {
	Driver      string            `mapstructure:"driver"` // ses, kafka or nop
	FromAddress string            `mapstructure:"from_address"`
	Region      string            `mapstructure:"region"`
	Subjects    map[string]string `mapstructure:"subjects"`
	SendTimeout time.Duration     `mapstructure:"send_timeout"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"` // otlp or stdout
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/dripflow/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("DRIPFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dripflow")
	v.SetDefault("database.database", "dripflow")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.sequence_ttl", "10m")
	v.SetDefault("clickhouse.database", "dripflow")
	v.SetDefault("auth.participant_token_ttl", "720h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("kafka.client_id", "dripflow")
	v.SetDefault("kafka.event_topic", "dripflow.progress.events")
	v.SetDefault("kafka.retry_topic", "dripflow.progress.events.retry")
	v.SetDefault("kafka.dlq_topic", "dripflow.progress.events.dlq")
	v.SetDefault("kafka.notify_topic", "dripflow.notifications")
	v.SetDefault("kafka.notify_retry_topic", "dripflow.notifications.retry")
	v.SetDefault("kafka.notify_dlq_topic", "dripflow.notifications.dlq")
	v.SetDefault("kafka.notify_group", "dripflow-notifier")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("engagement.points", map[string]int{"start": 1, "complete": 10})
	v.SetDefault("engagement.streak_window", "24h")
	v.SetDefault("engagement.streak_break", "48h")
	v.SetDefault("analytics.storage_driver", "postgres")
	v.SetDefault("analytics.query_timeout", "15s")
	v.SetDefault("retention.event_horizon", "17520h")
	v.SetDefault("retention.sweep_interval", "1h")
	v.SetDefault("retention.outbox_ttl", "168h")
	v.SetDefault("notify.driver", "nop")
	v.SetDefault("notify.region", "us-east-1")
	v.SetDefault("notify.send_timeout", "10s")
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.service_name", "dripflow")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
