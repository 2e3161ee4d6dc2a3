package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Events    EventsConfig
	Queue     QueueConfig
	Kafka     KafkaConfig
	Monitor   MonitorConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	// AdminToken guards the /api/v1 admin routes when set.
	AdminToken string
}

type StoreConfig struct {
	// Driver is "redis" or "memory".
	Driver    string
	Namespace string
}

type RedisConfig struct {
	URI          string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

type JWTConfig struct {
	// Secret enables token authentication on the WebSocket. Empty means the
	// client supplied user id is trusted.
	Secret string
}

type WebSocketConfig struct {
	MessagesPerSecond float64
	Burst             int
	SendBufferSize    int
}

type EventsConfig struct {
	NodeID      string
	SnapshotTTL time.Duration
}

type QueueConfig struct {
	PollTimeout     time.Duration
	MaxRetryDelay   time.Duration
	SweepInterval   time.Duration
	DefinitionsFile string
	Definitions     []QueueDefinition
}

// QueueDefinition is the static configuration of one named queue.
type QueueDefinition struct {
	Name        string        `mapstructure:"name"`
	Priority    string        `mapstructure:"priority"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string
	EventsTopic     string
	GroupID         string
	DeadLetterTopic string
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type MonitorConfig struct {
	Interval            time.Duration
	QueueDepthThreshold int64
	FailedJobsThreshold int64
	LatencyThresholdMs  int64
	AlertHistory        int
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultQueues is used when no definitions file is configured.
var DefaultQueues = []QueueDefinition{
	{Name: "notifications", Priority: "high", Concurrency: 5, MaxRetries: 3, RetryDelay: 2 * time.Second},
	{Name: "feed:personalize", Priority: "medium", Concurrency: 3, MaxRetries: 2, RetryDelay: 5 * time.Second},
	{Name: "media:process", Priority: "medium", Concurrency: 2, MaxRetries: 3, RetryDelay: 10 * time.Second, Timeout: 5 * time.Minute},
	{Name: "trends:calculate", Priority: "low", Concurrency: 1, MaxRetries: 2, RetryDelay: 30 * time.Second},
	{Name: "karma:earn", Priority: "high", Concurrency: 3, MaxRetries: 3, RetryDelay: time.Second},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("NOTIFY_HOST", "")
	v.SetDefault("NOTIFY_PORT", "8080")
	v.SetDefault("NOTIFY_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("NOTIFY_WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("NOTIFY_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("NOTIFY_SHUTDOWN_TIMEOUT", 30*time.Second)
	v.SetDefault("NOTIFY_ALLOWED_ORIGINS", "*")
	v.SetDefault("NOTIFY_JWT_SECRET", "")
	v.SetDefault("ADMIN_TOKEN", "")

	v.SetDefault("STORE_DRIVER", "redis")
	v.SetDefault("STORE_NAMESPACE", "notify:")

	v.SetDefault("REDIS_URL", "redis://127.0.0.1:6379/0")
	v.SetDefault("REDIS_MAX_RETRIES", 3)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
	// Must stay above QUEUE_POLL_TIMEOUT or BLPOP gets cut off by the client.
	v.SetDefault("REDIS_READ_TIMEOUT", 10*time.Second)
	v.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)

	v.SetDefault("WS_MESSAGES_PER_SECOND", 20.0)
	v.SetDefault("WS_BURST", 40)
	v.SetDefault("WS_SEND_BUFFER", 256)

	v.SetDefault("EVENTS_NODE_ID", "")
	v.SetDefault("EVENTS_SNAPSHOT_TTL", 5*time.Minute)

	v.SetDefault("QUEUE_POLL_TIMEOUT", 5*time.Second)
	v.SetDefault("QUEUE_MAX_RETRY_DELAY", 10*time.Minute)
	v.SetDefault("QUEUE_SWEEP_INTERVAL", time.Second)
	v.SetDefault("QUEUES_FILE", "")

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_EVENTS_TOPIC", "domain-events")
	v.SetDefault("KAFKA_GROUP_ID", "notify-service")
	v.SetDefault("KAFKA_DEAD_LETTER_TOPIC", "")

	v.SetDefault("MONITOR_INTERVAL", 30*time.Second)
	v.SetDefault("MONITOR_QUEUE_DEPTH_THRESHOLD", 1000)
	v.SetDefault("MONITOR_FAILED_JOBS_THRESHOLD", 100)
	v.SetDefault("MONITOR_LATENCY_THRESHOLD_MS", 100)
	v.SetDefault("MONITOR_ALERT_HISTORY", 100)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 14)
}

// LoadConfig reads configuration from the environment and, when QUEUES_FILE
// is set, queue definitions from that file.
// LoadConfig reads an optional .env file (ENV_FILE overrides the path), then
// the environment. Variables already set win over the file.
func LoadConfig() (*Config, error) {
	if err := loadEnvFile(envOr("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	nodeID := v.GetString("EVENTS_NODE_ID")
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("NOTIFY_HOST"),
			Port:            v.GetString("NOTIFY_PORT"),
			ReadTimeout:     v.GetDuration("NOTIFY_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("NOTIFY_WRITE_TIMEOUT"),
			IdleTimeout:     v.GetDuration("NOTIFY_IDLE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("NOTIFY_SHUTDOWN_TIMEOUT"),
			AllowedOrigins:  splitList(v.GetString("NOTIFY_ALLOWED_ORIGINS")),
			AdminToken:      v.GetString("ADMIN_TOKEN"),
		},
		Store: StoreConfig{
			Driver:    strings.ToLower(v.GetString("STORE_DRIVER")),
			Namespace: v.GetString("STORE_NAMESPACE"),
		},
		Redis: RedisConfig{
			URI:          v.GetString("REDIS_URL"),
			MaxRetries:   v.GetInt("REDIS_MAX_RETRIES"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("NOTIFY_JWT_SECRET"),
		},
		WebSocket: WebSocketConfig{
			MessagesPerSecond: v.GetFloat64("WS_MESSAGES_PER_SECOND"),
			Burst:             v.GetInt("WS_BURST"),
			SendBufferSize:    v.GetInt("WS_SEND_BUFFER"),
		},
		Events: EventsConfig{
			NodeID:      nodeID,
			SnapshotTTL: v.GetDuration("EVENTS_SNAPSHOT_TTL"),
		},
		Queue: QueueConfig{
			PollTimeout:     v.GetDuration("QUEUE_POLL_TIMEOUT"),
			MaxRetryDelay:   v.GetDuration("QUEUE_MAX_RETRY_DELAY"),
			SweepInterval:   v.GetDuration("QUEUE_SWEEP_INTERVAL"),
			DefinitionsFile: v.GetString("QUEUES_FILE"),
		},
		Kafka: KafkaConfig{
			Brokers:         splitList(v.GetString("KAFKA_BROKERS")),
			EventsTopic:     v.GetString("KAFKA_EVENTS_TOPIC"),
			GroupID:         v.GetString("KAFKA_GROUP_ID"),
			DeadLetterTopic: v.GetString("KAFKA_DEAD_LETTER_TOPIC"),
		},
		Monitor: MonitorConfig{
			Interval:            v.GetDuration("MONITOR_INTERVAL"),
			QueueDepthThreshold: v.GetInt64("MONITOR_QUEUE_DEPTH_THRESHOLD"),
			FailedJobsThreshold: v.GetInt64("MONITOR_FAILED_JOBS_THRESHOLD"),
			LatencyThresholdMs:  v.GetInt64("MONITOR_LATENCY_THRESHOLD_MS"),
			AlertHistory:        v.GetInt("MONITOR_ALERT_HISTORY"),
		},
		Log: LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			Format:     v.GetString("LOG_FORMAT"),
			File:       v.GetString("LOG_FILE"),
			MaxSizeMB:  v.GetInt("LOG_MAX_SIZE_MB"),
			MaxBackups: v.GetInt("LOG_MAX_BACKUPS"),
			MaxAgeDays: v.GetInt("LOG_MAX_AGE_DAYS"),
		},
	}

	if cfg.Queue.DefinitionsFile != "" {
		defs, err := LoadQueueDefinitions(cfg.Queue.DefinitionsFile)
		if err != nil {
			return nil, err
		}
		cfg.Queue.Definitions = defs
	} else {
		cfg.Queue.Definitions = append([]QueueDefinition(nil), DefaultQueues...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadQueueDefinitions reads a YAML, JSON or TOML file holding a top level
// "queues" list.
func LoadQueueDefinitions(path string) ([]QueueDefinition, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read queue definitions %s: %w", path, err)
	}

	var defs []QueueDefinition
	if err := v.UnmarshalKey("queues", &defs); err != nil {
		return nil, fmt.Errorf("failed to decode queue definitions %s: %w", path, err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("queue definitions %s: no queues defined", path)
	}
	return defs, nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("NOTIFY_PORT is required")
	}
	switch c.Store.Driver {
	case "redis":
		if c.Redis.URI == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_DRIVER=redis")
		}
		if c.Redis.ReadTimeout > 0 && c.Redis.ReadTimeout <= c.Queue.PollTimeout {
			return fmt.Errorf("REDIS_READ_TIMEOUT (%s) must be greater than QUEUE_POLL_TIMEOUT (%s)",
				c.Redis.ReadTimeout, c.Queue.PollTimeout)
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Queue.PollTimeout <= 0 {
		return fmt.Errorf("QUEUE_POLL_TIMEOUT must be positive")
	}
	if c.WebSocket.MessagesPerSecond <= 0 || c.WebSocket.Burst <= 0 {
		return fmt.Errorf("WS_MESSAGES_PER_SECOND and WS_BURST must be positive")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL must be positive")
	}

	seen := make(map[string]bool, len(c.Queue.Definitions))
	for _, def := range c.Queue.Definitions {
		if seen[def.Name] {
			return fmt.Errorf("queue %q defined twice", def.Name)
		}
		seen[def.Name] = true
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
