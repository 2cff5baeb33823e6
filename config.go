package pastry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matllubos/FreePastry-sub010/internal/config"
)

// UserConfig 用户配置结构
//
// 这是面向用户的简化配置结构，可以从 JSON/YAML 文件加载。
// 未设置（零值）的字段保留预设或默认值。
//
// 示例（YAML）：
//
//	preset: lan
//	listen_addr: 0.0.0.0:9001
//	liveness:
//	  ping_delay: 150ms
//	  num_ping_tries: 4
//	priority:
//	  max_queue_size: 64
type UserConfig struct {
	// Preset 预设名称
	// 可选值: lan, wan, test
	Preset string `json:"preset,omitempty" yaml:"preset,omitempty"`

	// ListenAddr 监听地址，如 "0.0.0.0:9001"
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`

	// Wire 原始传输配置
	Wire *WireUserConfig `json:"wire,omitempty" yaml:"wire,omitempty"`

	// Identity 身份层配置
	Identity *IdentityUserConfig `json:"identity,omitempty" yaml:"identity,omitempty"`

	// Liveness 存活检测配置
	Liveness *LivenessUserConfig `json:"liveness,omitempty" yaml:"liveness,omitempty"`

	// Priority 优先级层配置
	Priority *PriorityUserConfig `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// WireUserConfig 原始传输配置
type WireUserConfig struct {
	DialTimeout      Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
	SocketBufferSize int      `json:"socket_buffer_size,omitempty" yaml:"socket_buffer_size,omitempty"`
	KeepAlive        Duration `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"`
}

// IdentityUserConfig 身份层配置
type IdentityUserConfig struct {
	MaxIdentitySize      int `json:"max_identity_size,omitempty" yaml:"max_identity_size,omitempty"`
	DeadForeverCacheSize int `json:"dead_forever_cache_size,omitempty" yaml:"dead_forever_cache_size,omitempty"`

	// AllowIdentityChange 为 nil 时保持默认（允许）
	AllowIdentityChange *bool `json:"allow_identity_change,omitempty" yaml:"allow_identity_change,omitempty"`
}

// LivenessUserConfig 存活检测配置
type LivenessUserConfig struct {
	PingDelay         Duration `json:"ping_delay,omitempty" yaml:"ping_delay,omitempty"`
	PingJitter        *float64 `json:"ping_jitter,omitempty" yaml:"ping_jitter,omitempty"`
	NumPingTries      int      `json:"num_ping_tries,omitempty" yaml:"num_ping_tries,omitempty"`
	CheckDeadThrottle Duration `json:"check_dead_throttle,omitempty" yaml:"check_dead_throttle,omitempty"`
	DefaultRTO        Duration `json:"default_rto,omitempty" yaml:"default_rto,omitempty"`
	RTOLowerBound     Duration `json:"rto_lower_bound,omitempty" yaml:"rto_lower_bound,omitempty"`
	RTOUpperBound     Duration `json:"rto_upper_bound,omitempty" yaml:"rto_upper_bound,omitempty"`
	StallFactor       int      `json:"stall_factor,omitempty" yaml:"stall_factor,omitempty"`

	DeadForeverCacheSize int `json:"dead_forever_cache_size,omitempty" yaml:"dead_forever_cache_size,omitempty"`
}

// PriorityUserConfig 优先级层配置
type PriorityUserConfig struct {
	MaxMsgSize     int      `json:"max_msg_size,omitempty" yaml:"max_msg_size,omitempty"`
	MaxQueueSize   int      `json:"max_queue_size,omitempty" yaml:"max_queue_size,omitempty"`
	OpenRetries    *int     `json:"open_retries,omitempty" yaml:"open_retries,omitempty"`
	OpenRetryDelay Duration `json:"open_retry_delay,omitempty" yaml:"open_retry_delay,omitempty"`
}

// ============================================================================
//                              Duration 类型
// ============================================================================

// Duration 是 time.Duration 的 JSON/YAML 友好版本
//
// 接受 "200ms" 形式的字符串或整数纳秒。
type Duration time.Duration

// MarshalJSON 实现 json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 实现 json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// 尝试作为数字解析（纳秒）
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return err
		}
		*d = Duration(time.Duration(ns))
		return nil
	}
	return d.parse(s)
}

// MarshalYAML 实现 yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML 实现 yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = Duration(time.Duration(ns))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration 返回 time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ============================================================================
//                              加载
// ============================================================================

// LoadUserConfig 从文件加载用户配置，按扩展名识别 JSON 或 YAML
func LoadUserConfig(path string) (*UserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseUserConfig(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// ParseUserConfig 解析用户配置，format 为 json、yaml 或 yml
func ParseUserConfig(data []byte, format string) (*UserConfig, error) {
	var cfg UserConfig
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownConfigFormat, format)
	}
	return &cfg, nil
}

// ============================================================================
//                              配置转换
// ============================================================================

// ToOptions 将用户配置转换为选项列表
func (c *UserConfig) ToOptions() []Option {
	var opts []Option

	// 预设先于具体配置项
	if c.Preset != "" {
		preset := GetPresetByName(c.Preset)
		opts = append(opts, func(o *options) error {
			if preset == nil {
				return fmt.Errorf("unknown preset %q", c.Preset)
			}
			preset.Apply(o.config)
			return nil
		})
	}

	if c.ListenAddr != "" {
		opts = append(opts, WithListenAddr(c.ListenAddr))
	}

	opts = append(opts, func(o *options) error {
		c.applyTo(o.config)
		return nil
	})
	return opts
}

// ToConfig 在默认配置上应用用户配置并校验
func (c *UserConfig) ToConfig() (*config.Config, error) {
	o := newOptions()
	if err := o.apply(c.ToOptions()...); err != nil {
		return nil, err
	}
	if err := config.Validate(o.config); err != nil {
		return nil, err
	}
	return o.config, nil
}

// applyTo 只覆盖显式设置的字段
func (c *UserConfig) applyTo(cfg *config.Config) {
	if w := c.Wire; w != nil {
		setDuration(&cfg.Wire.DialTimeout, w.DialTimeout)
		setDuration(&cfg.Wire.KeepAlive, w.KeepAlive)
		setInt(&cfg.Wire.SocketBufferSize, w.SocketBufferSize)
	}

	if id := c.Identity; id != nil {
		setInt(&cfg.Identity.MaxIdentitySize, id.MaxIdentitySize)
		setInt(&cfg.Identity.DeadForeverCacheSize, id.DeadForeverCacheSize)
		if id.AllowIdentityChange != nil {
			cfg.Identity.AllowIdentityChange = *id.AllowIdentityChange
		}
	}

	if l := c.Liveness; l != nil {
		setDuration(&cfg.Liveness.PingDelay, l.PingDelay)
		setDuration(&cfg.Liveness.CheckDeadThrottle, l.CheckDeadThrottle)
		setDuration(&cfg.Liveness.DefaultRTO, l.DefaultRTO)
		setDuration(&cfg.Liveness.RTOLowerBound, l.RTOLowerBound)
		setDuration(&cfg.Liveness.RTOUpperBound, l.RTOUpperBound)
		setInt(&cfg.Liveness.NumPingTries, l.NumPingTries)
		setInt(&cfg.Liveness.StallFactor, l.StallFactor)
		setInt(&cfg.Liveness.DeadForeverCacheSize, l.DeadForeverCacheSize)
		if l.PingJitter != nil {
			cfg.Liveness.PingJitter = *l.PingJitter
		}
	}

	if p := c.Priority; p != nil {
		setInt(&cfg.Priority.MaxMsgSize, p.MaxMsgSize)
		setInt(&cfg.Priority.MaxQueueSize, p.MaxQueueSize)
		setDuration(&cfg.Priority.OpenRetryDelay, p.OpenRetryDelay)
		if p.OpenRetries != nil {
			cfg.Priority.OpenRetries = *p.OpenRetries
		}
	}
}

func setDuration(dst *time.Duration, d Duration) {
	if d != 0 {
		*dst = d.Duration()
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
