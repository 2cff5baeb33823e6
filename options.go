package pastry

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/matllubos/FreePastry-sub010/internal/config"
	"github.com/matllubos/FreePastry-sub010/internal/core/identity"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
	"github.com/matllubos/FreePastry-sub010/pkg/types"
)

// Option 传输栈配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	config *config.Config

	// 本地节点句柄，零值时按监听地址自动生成
	local types.NodeHandle

	// 原始传输；为 nil 时由 wire 模块监听 config.Wire.ListenAddr
	raw transportif.Transport[netip.AddrPort]

	policy   identity.ChangePolicy[types.NodeHandle]
	clock    clock.Clock
	registry *prometheus.Registry

	// 用户自定义 fx 选项
	fxOptions []fx.Option
}

func newOptions() *options {
	return &options{config: config.NewConfig()}
}

func (o *options) apply(opts ...Option) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(o); err != nil {
			return err
		}
	}
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              基础选项
// ════════════════════════════════════════════════════════════════════════════

// WithConfig 使用完整的内部配置（覆盖之前的所有配置项）
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return fmt.Errorf("config is nil")
		}
		c := *cfg
		o.config = &c
		return nil
	}
}

// WithPreset 应用预设配置
func WithPreset(p *Preset) Option {
	return func(o *options) error {
		if p == nil {
			return fmt.Errorf("preset is nil")
		}
		p.Apply(o.config)
		return nil
	}
}

// WithListenAddr 设置监听地址（TCP 与 UDP 共用）
//
// 示例：
//
//	pastry.WithListenAddr("0.0.0.0:9001")
func WithListenAddr(addr string) Option {
	return func(o *options) error {
		if _, err := netip.ParseAddrPort(addr); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
		o.config.Wire.ListenAddr = addr
		return nil
	}
}

// WithLocalHandle 指定本地节点句柄
func WithLocalHandle(h types.NodeHandle) Option {
	return func(o *options) error {
		o.local = h
		return nil
	}
}

// WithRawTransport 使用已有的原始传输（如 memnet），不再监听网络
func WithRawTransport(t transportif.Transport[netip.AddrPort]) Option {
	return func(o *options) error {
		if t == nil {
			return ErrNoRawTransport
		}
		o.raw = t
		return nil
	}
}

// WithIdentityChangePolicy 设置身份变更策略
func WithIdentityChangePolicy(p identity.ChangePolicy[types.NodeHandle]) Option {
	return func(o *options) error {
		o.policy = p
		return nil
	}
}

// WithClock 设置 reactor 时间源（测试中注入 mock 时钟）
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		o.clock = c
		return nil
	}
}

// WithRegistry 把指标注册到指定的 Prometheus 注册表
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) error {
		o.registry = reg
		return nil
	}
}

// WithFxOption 追加自定义 fx 选项
func WithFxOption(opts ...fx.Option) Option {
	return func(o *options) error {
		o.fxOptions = append(o.fxOptions, opts...)
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              分层选项
// ════════════════════════════════════════════════════════════════════════════

// WithPing 设置存活检测的重试间隔与次数
func WithPing(delay time.Duration, tries int) Option {
	return func(o *options) error {
		if delay <= 0 || tries <= 0 {
			return fmt.Errorf("invalid ping settings: delay=%v tries=%d", delay, tries)
		}
		o.config.Liveness.PingDelay = delay
		o.config.Liveness.NumPingTries = tries
		return nil
	}
}

// WithRTO 设置 RTO 初值与上下界
func WithRTO(initial, lower, upper time.Duration) Option {
	return func(o *options) error {
		o.config.Liveness.DefaultRTO = initial
		o.config.Liveness.RTOLowerBound = lower
		o.config.Liveness.RTOUpperBound = upper
		return nil
	}
}

// WithQueueLimits 设置每个目标的排队上限与单条消息最大长度
func WithQueueLimits(maxQueue, maxMsgSize int) Option {
	return func(o *options) error {
		if maxQueue <= 0 || maxMsgSize <= 0 {
			return fmt.Errorf("invalid queue limits: queue=%d size=%d", maxQueue, maxMsgSize)
		}
		o.config.Priority.MaxQueueSize = maxQueue
		o.config.Priority.MaxMsgSize = maxMsgSize
		return nil
	}
}

// WithDialTimeout 设置拨号超时
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) error {
		o.config.Wire.DialTimeout = d
		return nil
	}
}
