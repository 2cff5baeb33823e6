package identity

import (
	"context"
	"net/netip"
	"time"

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
var log = logger.Logger("identity")

// NodeLayer 栈中使用的身份层实例化
type NodeLayer = Layer[types.NodeHandle, netip.AddrPort]

// ============================================================================
//                              模块输入依赖
// ============================================================================

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	// Config 身份层配置
	Config *config.IdentityConfig

	Reactor *reactor.Reactor

	// Lower 原始传输
	Lower transportif.Transport[netip.AddrPort]

	// Local 本地身份（可选，缺省时按下层地址生成）
	Local types.NodeHandle `name:"local" optional:"true"`

	// Policy 身份变更策略（可选）
	Policy ChangePolicy[types.NodeHandle] `optional:"true"`

	// Metrics 指标（可选）
	Metrics *metrics.Metrics `optional:"true"`
}

// ============================================================================
//                              模块输出服务
// ============================================================================

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	Layer     *NodeLayer
	Transport transportif.Transport[types.NodeHandle] `name:"identity"`
}

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	local := input.Local
	if local.IsEmpty() {
		local = types.NewNodeHandle(input.Lower.LocalIdentifier(), time.Now().UnixNano())
	}

	policy := input.Policy
	if policy == nil {
		policy = DenyChange[types.NodeHandle]()
		if input.Config.AllowIdentityChange {
			policy = NodeHandlePolicy
		}
	}

	l, err := New[types.NodeHandle, netip.AddrPort](input.Reactor, input.Lower, local, NodeHandleSerializer{}, policy, *input.Config, input.Metrics)
	if err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{Layer: l, Transport: l}, nil
}

// markerInput 存活检测层在身份层之上，通过 Invoke 回接
type markerInput struct {
	fx.In

	Layer  *NodeLayer
	Marker livenessif.Marker[types.NodeHandle] `optional:"true"`
}

func connectMarker(in markerInput) {
	if in.Marker != nil {
		in.Layer.SetLivenessMarker(in.Marker)
	}
}

// ============================================================================
//                              模块定义
// ============================================================================

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("identity",
		fx.Provide(ProvideServices),
		fx.Invoke(connectMarker),
		fx.Invoke(registerLifecycle),
	)
}

// registerLifecycle 注册生命周期
func registerLifecycle(lc fx.Lifecycle, l *NodeLayer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("身份层启动", "local", l.LocalIdentifier())
			return nil
		},
		OnStop: func(context.Context) error {
			log.Info("身份层停止", "bindings", l.Bindings().Len())
			return nil
		},
	})
}
