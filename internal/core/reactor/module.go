package reactor

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
)

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	// Clock 时间源（可选，默认系统时钟）
	Clock clock.Clock `optional:"true"`
}

// ModuleOutput 模块输出
type ModuleOutput struct {
	fx.Out

	Reactor *Reactor
}

// ProvideReactor 创建 reactor
func ProvideReactor(input ModuleInput) ModuleOutput {
	var opts []Option
	if input.Clock != nil {
		opts = append(opts, WithClock(input.Clock))
	}
	return ModuleOutput{Reactor: New(opts...)}
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("reactor",
		fx.Provide(ProvideReactor),
		fx.Invoke(registerLifecycle),
	)
}

func registerLifecycle(lc fx.Lifecycle, r *Reactor) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("事件循环启动")
			r.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			log.Info("事件循环停止")
			return r.Close()
		},
	})
}
