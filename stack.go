package pastry

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/matllubos/FreePastry-sub010/internal/config"
	"github.com/matllubos/FreePastry-sub010/internal/core/identity"
	"github.com/matllubos/FreePastry-sub010/internal/core/liveness"
	"github.com/matllubos/FreePastry-sub010/internal/core/metrics"
	"github.com/matllubos/FreePastry-sub010/internal/core/priority"
	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/util/logger"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
	"github.com/matllubos/FreePastry-sub010/pkg/types"
)

var log = logger.Logger("pastry")

// Stack 组装完成的传输栈
//
// Transport() 返回栈顶（Priority 层），其余各层可单独取出用于查询与监听。
type Stack struct {
	reactor  *reactor.Reactor
	raw      transportif.Transport[netip.AddrPort]
	identity *identity.NodeLayer
	liveness *liveness.Layer[types.NodeHandle]
	priority *priority.Layer[types.NodeHandle]
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	// app 非 nil 时由 fx 管理生命周期
	app *fx.App

	closeOnce sync.Once
	closeErr  error
}

// NewStack 在已运行的 reactor 与原始传输上手动组装传输栈
//
// 不使用 fx；reactor 归调用方所有，Close 不会关闭它。
// WithRawTransport、WithClock 与 WithFxOption 在这里被忽略。
func NewStack(r *reactor.Reactor, raw transportif.Transport[netip.AddrPort], opts ...Option) (*Stack, error) {
	if raw == nil {
		return nil, ErrNoRawTransport
	}
	o := newOptions()
	if err := o.apply(opts...); err != nil {
		return nil, err
	}
	cfg := o.config
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if o.registry != nil {
		var err error
		if m, err = metrics.New(o.registry); err != nil {
			return nil, err
		}
		gatherer = o.registry
	}

	local := o.local
	if local.IsEmpty() {
		local = types.NewNodeHandle(raw.LocalIdentifier(), r.Now().UnixNano())
	}
	policy := o.policy
	if policy == nil {
		policy = identity.DenyChange[types.NodeHandle]()
		if cfg.Identity.AllowIdentityChange {
			policy = identity.NodeHandlePolicy
		}
	}

	id, err := identity.New[types.NodeHandle, netip.AddrPort](r, raw, local, identity.NodeHandleSerializer{}, policy, cfg.Identity, m)
	if err != nil {
		return nil, err
	}
	live, err := liveness.New[types.NodeHandle](r, id, cfg.Liveness, m)
	if err != nil {
		return nil, err
	}
	id.SetLivenessMarker(live)
	pri := priority.New[types.NodeHandle](r, live, live, cfg.Priority, m)

	log.Info("传输栈已组装", "local", local.ShortString())
	return &Stack{
		reactor:  r,
		raw:      raw,
		identity: id,
		liveness: live,
		priority: pri,
		metrics:  m,
		gatherer: gatherer,
	}, nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              访问器
// ════════════════════════════════════════════════════════════════════════════

// Transport 返回栈顶传输
func (s *Stack) Transport() transportif.Transport[types.NodeHandle] { return s.priority }

// LocalHandle 返回本地节点句柄
func (s *Stack) LocalHandle() types.NodeHandle { return s.identity.LocalIdentifier() }

// LocalAddr 返回原始传输的本地地址
func (s *Stack) LocalAddr() netip.AddrPort { return s.raw.LocalIdentifier() }

// Reactor 返回驱动栈的事件循环
func (s *Stack) Reactor() *reactor.Reactor { return s.reactor }

// Identity 返回身份层
func (s *Stack) Identity() *identity.NodeLayer { return s.identity }

// Liveness 返回存活检测层
func (s *Stack) Liveness() *liveness.Layer[types.NodeHandle] { return s.liveness }

// Priority 返回优先级层
func (s *Stack) Priority() *priority.Layer[types.NodeHandle] { return s.priority }

// Gatherer 返回指标收集器，未启用指标时为 nil
func (s *Stack) Gatherer() prometheus.Gatherer { return s.gatherer }

// Handle 返回 addr 上已知的节点句柄
func (s *Stack) Handle(addr netip.AddrPort) (types.NodeHandle, bool) {
	return s.identity.Bindings().Lookup(addr)
}

// ════════════════════════════════════════════════════════════════════════════
//                              关闭
// ════════════════════════════════════════════════════════════════════════════

// Close 销毁整个传输栈
//
// 由 Start 创建的栈会停止 fx 应用（包括 reactor）；
// 由 NewStack 创建的栈只销毁各层。可重复调用。
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		if s.app != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.closeErr = s.app.Stop(ctx)
			return
		}
		s.closeErr = s.priority.Destroy()
	})
	return s.closeErr
}
