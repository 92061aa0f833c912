package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 客户端全局配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Room     RoomConfig     `yaml:"room"`
	Push     PushConfig     `yaml:"push"`
	Poll     PollConfig     `yaml:"poll"`
	Playback PlaybackConfig `yaml:"playback"`
	Requests RequestsConfig `yaml:"requests"`
	Diag     DiagConfig     `yaml:"diag"`
}

type ServerConfig struct {
	BaseURL string        `yaml:"base_url"` // 轮询与动作端点的 HTTP 基地址
	Timeout time.Duration `yaml:"timeout"`  // 单次请求默认超时
}

type RoomConfig struct {
	ID string `yaml:"id"`
}

// PushConfig 推流连接配置。
type PushConfig struct {
	Enabled          bool          `yaml:"enabled"`
	URL              string        `yaml:"url"` // ws:// 或 wss:// 地址，房间 id 作为查询参数拼接
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"` // 服务端指令重连前的固定短延迟
	MaxConsecErrors  int           `yaml:"max_consec_errors"`
}

// PollConfig 轮询循环配置。
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	PageSize int           `yaml:"page_size"` // 消息分页大小
}

// PlaybackConfig 共享播放同步配置。
// DriftTolerance 与 AdvanceDelay 是可调参数，默认值只取“足够小”。
type PlaybackConfig struct {
	Interval       time.Duration `yaml:"interval"`        // 合并快照拉取周期
	DriftTolerance time.Duration `yaml:"drift_tolerance"` // 超过才 seek
	AdvanceDelay   time.Duration `yaml:"advance_delay"`   // 自然结束后自动切下一首的延迟
}

type RequestsConfig struct {
	MaxInflight int `yaml:"max_inflight"` // 并发上限，超过进入 FIFO 队列
}

// DiagConfig 本地诊断端点。默认关闭，只监听回环地址。
type DiagConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load 从文件加载配置，环境变量覆盖敏感/易变项。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// 环境变量覆盖：部署时无需改动配置文件。
	if v := os.Getenv("ROOMCAST_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("ROOMCAST_PUSH_URL"); v != "" {
		cfg.Push.URL = v
	}
	if v := os.Getenv("ROOMCAST_ROOM_ID"); v != "" {
		cfg.Room.ID = v
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults 填充未配置项的默认值。
func (c *Config) ApplyDefaults() {
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 10 * time.Second
	}
	if c.Push.HandshakeTimeout == 0 {
		c.Push.HandshakeTimeout = 15 * time.Second
	}
	if c.Push.PingInterval == 0 {
		c.Push.PingInterval = 30 * time.Second
	}
	if c.Push.ReconnectDelay == 0 {
		c.Push.ReconnectDelay = 500 * time.Millisecond
	}
	if c.Push.MaxConsecErrors == 0 {
		c.Push.MaxConsecErrors = 5
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = 5 * time.Second
	}
	if c.Poll.Timeout == 0 {
		c.Poll.Timeout = 8 * time.Second
	}
	if c.Poll.PageSize == 0 {
		c.Poll.PageSize = 50
	}
	if c.Playback.Interval == 0 {
		c.Playback.Interval = 4 * time.Second
	}
	if c.Playback.DriftTolerance == 0 {
		c.Playback.DriftTolerance = 3 * time.Second
	}
	if c.Playback.AdvanceDelay == 0 {
		c.Playback.AdvanceDelay = 2 * time.Second
	}
	if c.Requests.MaxInflight == 0 {
		c.Requests.MaxInflight = 8
	}
	if c.Diag.Addr == "" {
		c.Diag.Addr = "127.0.0.1:7171"
	}
}

// Validate 验证必需配置。
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required (or set ROOMCAST_BASE_URL)")
	}
	if c.Room.ID == "" {
		return fmt.Errorf("room.id is required (or set ROOMCAST_ROOM_ID)")
	}
	if c.Push.Enabled && c.Push.URL == "" {
		return fmt.Errorf("push.url is required when push.enabled")
	}
	if c.Poll.Timeout >= c.Poll.Interval*4 {
		return fmt.Errorf("poll.timeout too large relative to poll.interval")
	}
	return nil
}
