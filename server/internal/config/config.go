package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Bus         BusConfig         `yaml:"bus"`
	Session     SessionConfig     `yaml:"session"`
	Streams     StreamsConfig     `yaml:"streams"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Logging     LoggingConfig     `yaml:"logging"`
	Instances   []InstanceConfig  `yaml:"instances"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// BusConfig 事件总线配置
type BusConfig struct {
	// ReplayWindow 每个 topic 保留的最近广播事件条数（续传窗口）。
	ReplayWindow int `yaml:"replay_window"`
	// HistoryIdleTTL 无订阅者且超过该时长没有新事件的 topic 会被回收历史。
	HistoryIdleTTL time.Duration `yaml:"history_idle_ttl"`
	GCInterval     time.Duration `yaml:"gc_interval"`
}

// SessionConfig 单连接运行时配置
type SessionConfig struct {
	QueueCapacity  int           `yaml:"queue_capacity"`
	HelloTimeout   time.Duration `yaml:"hello_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMissedPongs int           `yaml:"max_missed_pongs"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// CommandRate 每秒允许的命令数，CommandBurst 为突发上限。
	CommandRate  float64 `yaml:"command_rate"`
	CommandBurst int     `yaml:"command_burst"`
	// MaxMessageBytes 单个入站帧的大小上限。
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
	// MaxInFlight 单个连接同时执行中的命令上限。
	MaxInFlight int64 `yaml:"max_in_flight"`
}

// StreamsConfig 控制台/日志流配置
type StreamsConfig struct {
	Capacity      int           `yaml:"capacity"`
	BatchMaxLines int           `yaml:"batch_max_lines"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// InstanceConfig 描述一个受管的游戏服进程。
type InstanceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Command 可以是完整命令行（args 为空时按 shell 规则拆分）。
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Dir        string            `yaml:"dir"`
	Env        []string          `yaml:"env"`
	Properties map[string]string `yaml:"properties"`
	// StopInput 非空时，停止实例先往 stdin 写这一行（例如 "stop"），否则发送 SIGINT。
	StopInput string        `yaml:"stop_input"`
	StopGrace time.Duration `yaml:"stop_grace"`
	// TTY 为 true 时在伪终端里运行，stdout/stderr 合并为 stdout。
	TTY bool `yaml:"tty"`
	// AutoStart 为 true 时进程启动后立即拉起该实例。
	AutoStart bool `yaml:"auto_start"`
}

// Default 返回一份可直接运行的默认配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "read config file")
	}
	return Parse(data)
}

// Parse 解析 YAML 配置，补齐默认值并校验。
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Annotate(err, "parse config")
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "validate config")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}

	if c.Bus.ReplayWindow == 0 {
		c.Bus.ReplayWindow = 512
	}
	if c.Bus.HistoryIdleTTL == 0 {
		c.Bus.HistoryIdleTTL = 10 * time.Minute
	}
	if c.Bus.GCInterval == 0 {
		c.Bus.GCInterval = time.Minute
	}

	if c.Session.QueueCapacity == 0 {
		c.Session.QueueCapacity = 256
	}
	if c.Session.HelloTimeout == 0 {
		c.Session.HelloTimeout = 10 * time.Second
	}
	if c.Session.PingInterval == 0 {
		c.Session.PingInterval = 20 * time.Second
	}
	if c.Session.MaxMissedPongs == 0 {
		c.Session.MaxMissedPongs = 3
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = 10 * time.Second
	}
	if c.Session.CommandTimeout == 0 {
		c.Session.CommandTimeout = 30 * time.Second
	}
	if c.Session.CommandRate == 0 {
		c.Session.CommandRate = 20
	}
	if c.Session.CommandBurst == 0 {
		c.Session.CommandBurst = 40
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 64 << 10
	}
	if c.Session.MaxInFlight == 0 {
		c.Session.MaxInFlight = 8
	}

	if c.Streams.Capacity == 0 {
		c.Streams.Capacity = 1000
	}
	if c.Streams.BatchMaxLines == 0 {
		c.Streams.BatchMaxLines = 100
	}
	if c.Streams.FlushInterval == 0 {
		c.Streams.FlushInterval = 100 * time.Millisecond
	}

	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 10 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	for i := range c.Instances {
		if c.Instances[i].StopGrace == 0 {
			c.Instances[i].StopGrace = 10 * time.Second
		}
	}
}

// Addr 返回 HTTP 监听地址。
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Bus.ReplayWindow < 1 {
		return errors.NotValidf("bus.replay_window %d", c.Bus.ReplayWindow)
	}
	if c.Session.QueueCapacity < 8 {
		return errors.NotValidf("session.queue_capacity %d (minimum 8)", c.Session.QueueCapacity)
	}
	if c.Session.MaxMissedPongs < 1 {
		return errors.NotValidf("session.max_missed_pongs %d", c.Session.MaxMissedPongs)
	}
	if c.Streams.Capacity < 1 {
		return errors.NotValidf("streams.capacity %d", c.Streams.Capacity)
	}
	if c.Streams.BatchMaxLines < 1 {
		return errors.NotValidf("streams.batch_max_lines %d", c.Streams.BatchMaxLines)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return errors.NotValidf("logging.format %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		if inst.ID == "" {
			return errors.NotValidf("instances[%d]: empty id", i)
		}
		if seen[inst.ID] {
			return errors.NotValidf("instances[%d]: duplicate id %q", i, inst.ID)
		}
		// id 会出现在 topic 名里（server:<id>:console）
		if strings.ContainsAny(inst.ID, ": /") {
			return errors.NotValidf("instances[%d]: id %q", i, inst.ID)
		}
		seen[inst.ID] = true
		if inst.Command == "" {
			return errors.NotValidf("instance %q: empty command", inst.ID)
		}
	}
	return nil
}
