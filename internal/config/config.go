package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "agent-ide/internal/errors"
	"agent-ide/internal/observability/tracing"
	"agent-ide/pkg/logger"
	"agent-ide/pkg/plugin"
)

// EnvConfigPath 指定配置文件路径的环境变量，优先级高于命令行默认值。
const EnvConfigPath = "AGENTIDE_CONFIG"

// Config 描述 agentd 启动时加载的全部配置。
type Config struct {
	Logging   logger.Config         `yaml:"logging"`
	Execution ExecutionConfig       `yaml:"execution"`
	Project   ProjectConfig         `yaml:"project"`
	Schedule  ScheduleConfig        `yaml:"schedule"`
	Queue     QueueConfig           `yaml:"queue"`
	History   HistoryConfig         `yaml:"history"`
	Publish   PublishConfig         `yaml:"publish"`
	Metrics   MetricsConfig         `yaml:"metrics"`
	Tracing   tracing.Config        `yaml:"tracing"`
	Plugins   plugin.RegistryConfig `yaml:"plugins"`
}

// ExecutionConfig 控制执行环境的取消宽限期与模拟任务节奏。
type ExecutionConfig struct {
	GracePeriod    time.Duration `yaml:"grace_period"`
	StepDelay      time.Duration `yaml:"step_delay"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// ProjectConfig 指定智能体定义文件，Watch 开启后文件变化会同步到运行中的项目。
type ProjectConfig struct {
	Name        string        `yaml:"name"`
	Definitions string        `yaml:"definitions"`
	Watch       bool          `yaml:"watch"`
	Debounce    time.Duration `yaml:"debounce"`
}

// ScheduleConfig 控制 cron 调度的检查间隔。
type ScheduleConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// QueueConfig 描述运行请求队列。
type QueueConfig struct {
	Driver    string         `yaml:"driver"`
	Size      int            `yaml:"size"`
	Workers   int            `yaml:"workers"`
	RateLimit float64        `yaml:"rate_limit"`
	Burst     int            `yaml:"burst"`
	Redis     RedisConfig    `yaml:"redis"`
	RabbitMQ  RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 是 Redis 连接参数，队列与结果发布共用。
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Queue     string        `yaml:"queue"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 是 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// HistoryConfig 描述运行历史的持久化方式。mysql 使用 DSN，sqlite 使用 Path。
type HistoryConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// PublishConfig 描述运行结果的对外发布。
type PublishConfig struct {
	Redis    RedisPublishConfig    `yaml:"redis"`
	RabbitMQ RabbitMQPublishConfig `yaml:"rabbitmq"`
}

// RedisPublishConfig 为空 Address 时不启用。
type RedisPublishConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Channel   string        `yaml:"channel"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// RabbitMQPublishConfig 为空 URL 时不启用。
type RabbitMQPublishConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Durable  bool   `yaml:"durable"`
}

// MetricsConfig 控制 /metrics 监听地址，为空时不启动。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// ResolvePath 返回实际使用的配置文件路径。
func ResolvePath(flagValue string) string {
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return flagValue
}

// Load 解析 YAML 配置文件并补齐默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取配置文件失败")
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Execution.GracePeriod <= 0 {
		c.Execution.GracePeriod = 5 * time.Second
	}
	if c.Execution.StepDelay <= 0 {
		c.Execution.StepDelay = 100 * time.Millisecond
	}

	if c.Project.Definitions != "" && !filepath.IsAbs(c.Project.Definitions) {
		c.Project.Definitions = filepath.Join(baseDir, c.Project.Definitions)
	}
	if c.Project.Name == "" {
		c.Project.Name = "default"
	}
	if c.Project.Debounce <= 0 {
		c.Project.Debounce = 300 * time.Millisecond
	}

	if c.Schedule.Interval <= 0 {
		c.Schedule.Interval = time.Second
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Burst <= 0 {
		c.Queue.Burst = 1
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "agentide:runs"
	}
	if c.Queue.Redis.BlockWait <= 0 {
		c.Queue.Redis.BlockWait = 5 * time.Second
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "agentide.runs"
	}

	c.History.Driver = strings.ToLower(strings.TrimSpace(c.History.Driver))
	if c.History.Driver == "" {
		c.History.Driver = "none"
	}
	if c.History.Driver == "sqlite" {
		if c.History.Path == "" {
			c.History.Path = "data/agent_runs.db"
		}
		if !filepath.IsAbs(c.History.Path) {
			c.History.Path = filepath.Join(baseDir, c.History.Path)
		}
	}

	c.Tracing.Protocol = strings.ToLower(strings.TrimSpace(c.Tracing.Protocol))
	if c.Tracing.Protocol == "" {
		c.Tracing.Protocol = "grpc"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = tracing.DefaultServiceName
	}

	if c.Publish.Redis.Channel == "" {
		c.Publish.Redis.Channel = "agentide:results"
	}
	if c.Publish.RabbitMQ.Exchange == "" {
		c.Publish.RabbitMQ.Exchange = "agentide.results"
	}
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "queue.rabbitmq.url 不能为空")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的队列驱动: %s", c.Queue.Driver))
	}
	if err := c.Plugins.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "plugins 配置无效")
	}
	switch c.History.Driver {
	case "none":
	case "mysql":
		if strings.TrimSpace(c.History.DSN) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "history.dsn 不能为空")
		}
	case "sqlite":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的历史存储驱动: %s", c.History.Driver))
	}
	if c.Project.Watch && c.Project.Definitions == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "project.watch 需要配置 project.definitions")
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	return nil
}
