package wire

import (
	"context"
	"fmt"
	"net/netip"

	"go.uber.org/fx"

	"github.com/matllubos/FreePastry-sub010/internal/config"
	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config  *config.WireConfig
	Reactor *reactor.Reactor
}

// ModuleOutput 模块输出
type ModuleOutput struct {
	fx.Out

	Wire      *Transport
	Transport transportif.Transport[netip.AddrPort]
}

// ConfigFromWire 把内部配置转换为传输配置
func ConfigFromWire(cfg *config.WireConfig) (Config, error) {
	addr, err := netip.ParseAddrPort(cfg.ListenAddr)
	if err != nil {
		return Config{}, fmt.Errorf("无效的监听地址 %q: %w", cfg.ListenAddr, err)
	}
	return Config{
		ListenAddr:  addr,
		DialTimeout: cfg.DialTimeout,
		BufferSize:  cfg.SocketBufferSize,
		KeepAlive:   cfg.KeepAlive,
	}, nil
}

// ProvideTransport 创建并监听传输层
func ProvideTransport(input ModuleInput) (ModuleOutput, error) {
	cfg, err := ConfigFromWire(input.Config)
	if err != nil {
		return ModuleOutput{}, err
	}
	t, err := Listen(input.Reactor, cfg)
	if err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{Wire: t, Transport: t}, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("wire",
		fx.Provide(ProvideTransport),
		fx.Invoke(registerLifecycle),
	)
}

func registerLifecycle(lc fx.Lifecycle, t *Transport) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return t.Destroy()
		},
	})
}
