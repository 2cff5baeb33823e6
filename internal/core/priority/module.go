package priority

import (
	"context"

	"go.uber.org/fx"

	"github.com/matllubos/FreePastry-sub010/internal/config"
	"github.com/matllubos/FreePastry-sub010/internal/core/metrics"
	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/util/logger"
	livenessif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/liveness"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
	"github.com/matllubos/FreePastry-sub010/pkg/types"
)

// 包级别日志实例
var log = logger.Logger("priority")

// ============================================================================
//                              模块输入依赖
// ============================================================================

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	// Config 优先级层配置
	Config *config.PriorityConfig

	Reactor *reactor.Reactor

	// Lower 下层（存活检测层）
	Lower transportif.Transport[types.NodeHandle] `name:"liveness"`

	// Liveness 存活状态来源
	Liveness livenessif.Provider[types.NodeHandle] `optional:"true"`

	// Metrics 指标（可选）
	Metrics *metrics.Metrics `optional:"true"`
}

// ============================================================================
//                              模块输出服务
// ============================================================================

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	Layer     *Layer[types.NodeHandle]
	Transport transportif.Transport[types.NodeHandle] `name:"priority"`
}

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) ModuleOutput {
	l := New[types.NodeHandle](input.Reactor, input.Lower, input.Liveness, *input.Config, input.Metrics)
	return ModuleOutput{Layer: l, Transport: l}
}

// ============================================================================
//                              模块定义
// ============================================================================

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("priority",
		fx.Provide(ProvideServices),
		fx.Invoke(registerLifecycle),
	)
}

// registerLifecycle 注册生命周期
//
// 优先级层是栈顶，停止时自上而下销毁整个栈。
func registerLifecycle(lc fx.Lifecycle, l *Layer[types.NodeHandle]) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("优先级层启动", "local", l.LocalIdentifier())
			return nil
		},
		OnStop: func(context.Context) error {
			log.Info("优先级层停止")
			return l.Destroy()
		},
	})
}
