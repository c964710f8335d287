package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. CHATHUB_POSTGRES_HOST.
const EnvPrefix = "CHATHUB"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Websocket  WebsocketConfig  `mapstructure:"websocket"`
	Chat       ChatConfig       `mapstructure:"chat"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
}

type ServerConfig struct {
	NodeID          int64  `mapstructure:"node_id"` // snowflake node, 0-1023
	Port            int    `mapstructure:"port"`
	Mode            string `mapstructure:"mode"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // seconds
}

// Database drivers accepted by PostgresConfig.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type PostgresConfig struct {
	Driver       string `mapstructure:"driver"`      // postgres, sqlite
	SQLitePath   string `mapstructure:"sqlite_path"` // used when driver is sqlite
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	LogLevel     string `mapstructure:"log_level"` // silent, error, warn, info
}

type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	PresenceTTL  int    `mapstructure:"presence_ttl"` // seconds
}

type JWTConfig struct {
	Secret       string `mapstructure:"secret"`
	ExpireHours  int    `mapstructure:"expire_hours"`
	RefreshHours int    `mapstructure:"refresh_hours"`
}

// LoggingConfig controls the zap logger built by middleware/log.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error, fatal
	Format   string `mapstructure:"format"` // json, text
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

// Overflow policies for a connection's outbound queue.
const (
	OverflowDisconnect = "disconnect"
	OverflowDropOldest = "drop_oldest"
)

type WebsocketConfig struct {
	SendQueueSize  int      `mapstructure:"send_queue_size"`
	OverflowPolicy string   `mapstructure:"overflow_policy"`
	WriteWait      int      `mapstructure:"write_wait"` // seconds
	PongWait       int      `mapstructure:"pong_wait"`  // seconds
	MaxMessageSize int64    `mapstructure:"max_message_size"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (w WebsocketConfig) WriteWaitDuration() time.Duration {
	return time.Duration(w.WriteWait) * time.Second
}

func (w WebsocketConfig) PongWaitDuration() time.Duration {
	return time.Duration(w.PongWait) * time.Second
}

// PingPeriod must stay below PongWait so the peer answers before the read deadline.
func (w WebsocketConfig) PingPeriod() time.Duration {
	return (w.PongWaitDuration() * 9) / 10
}

type ChatConfig struct {
	DefaultChannelID        uint `mapstructure:"default_channel_id"`
	DefaultMaxMembers       int  `mapstructure:"default_max_members"`
	MinPasswordLength       int  `mapstructure:"min_password_length"`
	MaxMessageLength        int  `mapstructure:"max_message_length"`
	HistoryDefaultLimit     int  `mapstructure:"history_default_limit"`
	HistoryMaxLimit         int  `mapstructure:"history_max_limit"`
	BroadcastMessageDeletes bool `mapstructure:"broadcast_message_deletes"`
}

type RateLimitConfig struct {
	Messages int `mapstructure:"messages"` // allowed inbound events per window
	Window   int `mapstructure:"window"`   // seconds
}

func (r RateLimitConfig) WindowDuration() time.Duration {
	return time.Duration(r.Window) * time.Second
}

type WorkerPoolConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
}

type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	MaxRetries     int      `mapstructure:"max_retries"`
	RetryBackoffMs int      `mapstructure:"retry_backoff_ms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", 1)
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10)

	v.SetDefault("postgres.driver", DriverPostgres)
	v.SetDefault("postgres.sqlite_path", "chathub.db")
	v.SetDefault("postgres.host", "127.0.0.1")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.dbname", "chathub")
	v.SetDefault("postgres.max_idle_conns", 10)
	v.SetDefault("postgres.max_open_conns", 50)
	v.SetDefault("postgres.log_level", "warn")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.presence_ttl", 120)

	v.SetDefault("jwt.expire_hours", 24)
	v.SetDefault("jwt.refresh_hours", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("websocket.send_queue_size", 256)
	v.SetDefault("websocket.overflow_policy", OverflowDisconnect)
	v.SetDefault("websocket.write_wait", 10)
	v.SetDefault("websocket.pong_wait", 60)
	v.SetDefault("websocket.max_message_size", 8192)

	v.SetDefault("chat.default_channel_id", 1)
	v.SetDefault("chat.default_max_members", 100)
	v.SetDefault("chat.min_password_length", 6)
	v.SetDefault("chat.max_message_length", 2000)
	v.SetDefault("chat.history_default_limit", 20)
	v.SetDefault("chat.history_max_limit", 100)
	v.SetDefault("chat.broadcast_message_deletes", true)

	v.SetDefault("ratelimit.messages", 20)
	v.SetDefault("ratelimit.window", 10)

	v.SetDefault("worker_pool.size", 4)
	v.SetDefault("worker_pool.queue_size", 1024)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "chathub.events")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff_ms", 100)
}

// Default returns the configuration built from defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("config: jwt.secret must be set")
	}
	switch c.Postgres.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("config: unknown postgres.driver %q", c.Postgres.Driver)
	}
	switch c.Websocket.OverflowPolicy {
	case OverflowDisconnect, OverflowDropOldest:
	default:
		return fmt.Errorf("config: unknown websocket.overflow_policy %q", c.Websocket.OverflowPolicy)
	}
	if c.Websocket.SendQueueSize <= 0 {
		return fmt.Errorf("config: websocket.send_queue_size must be positive")
	}
	if c.Chat.HistoryDefaultLimit <= 0 || c.Chat.HistoryMaxLimit < c.Chat.HistoryDefaultLimit {
		return fmt.Errorf("config: invalid chat history limits")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.enabled requires kafka.brokers")
	}
	return nil
}
