package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Queue.PollTimeout)
	assert.False(t, cfg.Kafka.Enabled())
	assert.NotEmpty(t, cfg.Events.NodeID)
	require.Len(t, cfg.Queue.Definitions, len(DefaultQueues))
	assert.Equal(t, "notifications", cfg.Queue.Definitions[0].Name)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("NOTIFY_PORT", "9090")
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("NOTIFY_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestLoadQueueDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queues.yaml")
	content := `
queues:
  - name: karma:earn
    priority: high
    concurrency: 2
    max_retries: 3
    retry_delay: 1s
  - name: media:process
    priority: low
    concurrency: 1
    max_retries: 1
    retry_delay: 0s
    timeout: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defs, err := LoadQueueDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, QueueDefinition{
		Name: "karma:earn", Priority: "high", Concurrency: 2, MaxRetries: 3, RetryDelay: time.Second,
	}, defs[0])
	assert.Equal(t, 2*time.Minute, defs[1].Timeout)

	t.Run("ViaEnv", func(t *testing.T) {
		t.Setenv("QUEUES_FILE", path)
		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Len(t, cfg.Queue.Definitions, 2)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadQueueDefinitions(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:    ServerConfig{Port: "8080"},
			Store:     StoreConfig{Driver: "memory"},
			WebSocket: WebSocketConfig{MessagesPerSecond: 1, Burst: 1},
			Queue:     QueueConfig{PollTimeout: time.Second, Definitions: DefaultQueues},
			Monitor:   MonitorConfig{Interval: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "etcd" }, wantErr: true},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: true},
		{name: "zero poll timeout", mutate: func(c *Config) { c.Queue.PollTimeout = 0 }, wantErr: true},
		{
			name: "read timeout below poll timeout",
			mutate: func(c *Config) {
				c.Store.Driver = "redis"
				c.Redis = RedisConfig{URI: "redis://localhost:6379", ReadTimeout: time.Second}
				c.Queue.PollTimeout = 5 * time.Second
			},
			wantErr: true,
		},
		{
			name: "duplicate queue",
			mutate: func(c *Config) {
				c.Queue.Definitions = []QueueDefinition{{Name: "a"}, {Name: "a"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.env")
	require.NoError(t, os.WriteFile(path, []byte("NOTIFY_PORT=7070\nSTORE_DRIVER=redis\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	// Registered so the values the file sets are cleared after the test.
	t.Setenv("NOTIFY_PORT", "")
	require.NoError(t, os.Unsetenv("NOTIFY_PORT"))
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver, "environment wins over the file")

	t.Run("MissingFileIsIgnored", func(t *testing.T) {
		t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
		_, err := LoadConfig()
		assert.NoError(t, err)
	})
}
