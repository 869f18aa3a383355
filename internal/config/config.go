package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"HumanLoop/pkg/logger"
)

// Config 描述了 humanloopd 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server" toml:"server"`
	Storage  StorageConfig  `json:"storage" yaml:"storage" toml:"storage"`
	Relay    RelayConfig    `json:"relay" yaml:"relay" toml:"relay"`
	Engine   EngineConfig   `json:"engine" yaml:"engine" toml:"engine"`
	Logging  logger.Config  `json:"logging" yaml:"logging" toml:"logging"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting" toml:"alerting"`
}

// ServerConfig 控制网关的监听地址与限流。
type ServerConfig struct {
	Address   string          `json:"address" yaml:"address" toml:"address"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig 为令牌桶参数，RPS 为 0 表示不限流。
type RateLimitConfig struct {
	RPS   float64 `json:"rps" yaml:"rps" toml:"rps"`
	Burst int     `json:"burst" yaml:"burst" toml:"burst"`
}

// StorageConfig 描述任务表所在的存储。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store" toml:"task_store"`
}

// TaskStoreConfig 支持 memory、sqlite、mysql 三种驱动。
type TaskStoreConfig struct {
	Driver          string   `json:"driver" yaml:"driver" toml:"driver"`
	DSN             string   `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
	LeaseTimeout    Duration `json:"lease_timeout" yaml:"lease_timeout" toml:"lease_timeout"`
}

// RelayConfig 描述网关向协调者投递完成通知的队列。
type RelayConfig struct {
	Driver     string         `json:"driver" yaml:"driver" toml:"driver"`
	BufferSize int            `json:"buffer_size" yaml:"buffer_size" toml:"buffer_size"`
	Workers    int            `json:"workers" yaml:"workers" toml:"workers"`
	Redis      RedisConfig    `json:"redis" yaml:"redis" toml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq" toml:"rabbitmq"`
	NATS       NATSConfig     `json:"nats" yaml:"nats" toml:"nats"`
}

type RedisConfig struct {
	Address   string   `json:"address" yaml:"address" toml:"address"`
	Password  string   `json:"password" yaml:"password" toml:"password"`
	DB        int      `json:"db" yaml:"db" toml:"db"`
	Queue     string   `json:"queue" yaml:"queue" toml:"queue"`
	BlockWait Duration `json:"block_wait" yaml:"block_wait" toml:"block_wait"`
}

type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url" toml:"url"`
	Queue      string `json:"queue" yaml:"queue" toml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch" toml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable" toml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete" toml:"auto_delete"`
}

type NATSConfig struct {
	URL            string   `json:"url" yaml:"url" toml:"url"`
	Name           string   `json:"name" yaml:"name" toml:"name"`
	Token          string   `json:"token" yaml:"token" toml:"token"`
	User           string   `json:"user" yaml:"user" toml:"user"`
	Password       string   `json:"password" yaml:"password" toml:"password"`
	Subject        string   `json:"subject" yaml:"subject" toml:"subject"`
	QueueGroup     string   `json:"queue_group" yaml:"queue_group" toml:"queue_group"`
	ReconnectWait  Duration `json:"reconnect_wait" yaml:"reconnect_wait" toml:"reconnect_wait"`
	MaxReconnects  int      `json:"max_reconnects" yaml:"max_reconnects" toml:"max_reconnects"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
}

// EngineConfig 控制协调者的运行时长与活动重试。
type EngineConfig struct {
	RunTimeout      Duration    `json:"run_timeout" yaml:"run_timeout" toml:"run_timeout"`
	// CompletionCheck 是协调者回查任务行的间隔，兜底丢失的完成通知。
	CompletionCheck Duration    `json:"completion_check" yaml:"completion_check" toml:"completion_check"`
	Retry           RetryConfig `json:"retry" yaml:"retry" toml:"retry"`
}

type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval" yaml:"initial_interval" toml:"initial_interval"`
	BackoffCoefficient  float64  `json:"backoff_coefficient" yaml:"backoff_coefficient" toml:"backoff_coefficient"`
	MaximumInterval     Duration `json:"maximum_interval" yaml:"maximum_interval" toml:"maximum_interval"`
	MaximumAttempts     int      `json:"maximum_attempts" yaml:"maximum_attempts" toml:"maximum_attempts"`
	StartToCloseTimeout Duration `json:"start_to_close_timeout" yaml:"start_to_close_timeout" toml:"start_to_close_timeout"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	Log        bool   `json:"log" yaml:"log" toml:"log"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url"`
}

// Duration 允许在三种格式中以 "5m"、"30s" 这样的字符串书写时长。
type Duration struct {
	time.Duration
}

// UnmarshalText 实现 encoding.TextUnmarshaler，JSON、YAML 与 TOML 解码器都会使用它。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText 实现 encoding.TextMarshaler。
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default 返回仅包含默认值的配置，用于未指定配置文件的场景。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	cfg.applyEnv(os.LookupEnv)
	return cfg
}

// Load 负责解析指定路径的配置文件，格式由扩展名决定。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	case ".toml":
		err = toml.Unmarshal(content, &cfg)
	case ".json", "":
		err = json.Unmarshal(content, &cfg)
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv(os.LookupEnv)

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	store := &c.Storage.TaskStore
	if store.Driver == "" {
		store.Driver = "memory"
	}
	if store.Driver == "sqlite" || store.Driver == "sqlite3" {
		if store.DSN == "" {
			store.DSN = filepath.Join(baseDir, "data", "humanloop.db")
		} else if !strings.HasPrefix(store.DSN, "file:") && !strings.HasPrefix(store.DSN, ":memory:") && !filepath.IsAbs(store.DSN) {
			store.DSN = filepath.Join(baseDir, store.DSN)
		}
	}
	if store.LeaseTimeout.Duration <= 0 {
		store.LeaseTimeout.Duration = 5 * time.Minute
	}

	if c.Relay.Driver == "" {
		c.Relay.Driver = "memory"
	}
	if c.Relay.BufferSize <= 0 {
		c.Relay.BufferSize = 256
	}
	if c.Relay.Workers <= 0 {
		c.Relay.Workers = 4
	}

	if c.Engine.RunTimeout.Duration <= 0 {
		c.Engine.RunTimeout.Duration = 7 * 24 * time.Hour
	}
	if c.Engine.CompletionCheck.Duration <= 0 {
		c.Engine.CompletionCheck.Duration = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// applyEnv 使用 HUMANLOOP_* 环境变量覆盖配置。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("HUMANLOOP_ADDRESS", &c.Server.Address)
	str("HUMANLOOP_STORE_DRIVER", &c.Storage.TaskStore.Driver)
	str("HUMANLOOP_STORE_DSN", &c.Storage.TaskStore.DSN)
	str("HUMANLOOP_RELAY_DRIVER", &c.Relay.Driver)
	str("HUMANLOOP_REDIS_ADDRESS", &c.Relay.Redis.Address)
	str("HUMANLOOP_RABBITMQ_URL", &c.Relay.RabbitMQ.URL)
	str("HUMANLOOP_NATS_URL", &c.Relay.NATS.URL)
	str("HUMANLOOP_LOG_LEVEL", &c.Logging.Level)
	str("HUMANLOOP_ALERT_WEBHOOK", &c.Alerting.WebhookURL)

	if v, ok := lookup("HUMANLOOP_LEASE_TIMEOUT"); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			c.Storage.TaskStore.LeaseTimeout.Duration = d
		}
	}
	if v, ok := lookup("HUMANLOOP_RATE_LIMIT"); ok {
		if rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && rps >= 0 {
			c.Server.RateLimit.RPS = rps
		}
	}
}
