// Package liveness 实现存活检测传输层模块
//
// Liveness 模块负责：
// - PING/PONG 探测与 RTO 估计
// - 每个远端的 dead-check 状态机
// - 存活状态与邻近度查询
// - socket 写停滞检查
package liveness

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
var log = logger.Logger("liveness")

// ============================================================================
//                              模块输入依赖
// ============================================================================

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	// Config 存活检测配置
	Config *config.LivenessConfig

	Reactor *reactor.Reactor

	// Lower 下层（Identity 层）
	Lower transportif.Transport[types.NodeHandle] `name:"identity"`

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
	Transport transportif.Transport[types.NodeHandle] `name:"liveness"`
	Provider  livenessif.Provider[types.NodeHandle]
	Marker    livenessif.Marker[types.NodeHandle]
	Pinger    livenessif.Pinger[types.NodeHandle]
	Proximity livenessif.ProximityProvider[types.NodeHandle]
}

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	l, err := New[types.NodeHandle](input.Reactor, input.Lower, *input.Config, input.Metrics)
	if err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{
		Layer:     l,
		Transport: l,
		Provider:  l,
		Marker:    l,
		Pinger:    l,
		Proximity: l,
	}, nil
}

// ============================================================================
//                              模块定义
// ============================================================================

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("liveness",
		fx.Provide(ProvideServices),
		fx.Invoke(registerLifecycle),
	)
}

// registerLifecycle 注册生命周期
//
// 销毁由栈顶层统一发起，这里只记录日志。
func registerLifecycle(lc fx.Lifecycle, l *Layer[types.NodeHandle]) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("存活检测模块启动", "local", l.LocalIdentifier())
			return nil
		},
		OnStop: func(context.Context) error {
			log.Info("存活检测模块停止")
			return nil
		},
	})
}
