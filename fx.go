package pastry

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matllubos/FreePastry-sub010/internal/config"
	"github.com/matllubos/FreePastry-sub010/internal/core/identity"
	"github.com/matllubos/FreePastry-sub010/internal/core/liveness"
	"github.com/matllubos/FreePastry-sub010/internal/core/metrics"
	"github.com/matllubos/FreePastry-sub010/internal/core/priority"
	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport/wire"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
	"github.com/matllubos/FreePastry-sub010/pkg/types"
)

// Start 创建并启动传输栈
//
// 组装顺序（按依赖）：
//  1. 配置与 reactor
//  2. 指标
//  3. 原始传输（wire 监听，或 WithRawTransport 给出的传输）
//  4. Identity → Liveness → Priority
func Start(ctx context.Context, opts ...Option) (*Stack, error) {
	o := newOptions()
	if err := o.apply(opts...); err != nil {
		return nil, err
	}

	s := &Stack{}
	app, err := buildFxApp(o, s)
	if err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		return nil, fmt.Errorf("start stack: %w", err)
	}
	s.app = app
	log.Info("传输栈已启动", "local", s.LocalHandle().ShortString(), "addr", s.LocalAddr())
	return s, nil
}

// buildFxApp 构建 Fx 应用
func buildFxApp(o *options, s *Stack) (*fx.App, error) {
	// ════════════════════════════════════════════════════════════════════════
	// 1. 配置验证（前置）
	// ════════════════════════════════════════════════════════════════════════
	if err := config.Validate(o.config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	modules := []fx.Option{
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
		fx.Supply(o.config),
		config.Module(),
		reactor.Module(),
		metrics.Module,
	}

	// ════════════════════════════════════════════════════════════════════════
	// 2. 可选注入
	// ════════════════════════════════════════════════════════════════════════
	if o.clock != nil {
		c := o.clock
		modules = append(modules, fx.Provide(func() clock.Clock { return c }))
	}
	if o.registry != nil {
		modules = append(modules, fx.Supply(o.registry))
	}
	if !o.local.IsEmpty() {
		local := o.local
		modules = append(modules, fx.Provide(
			fx.Annotate(func() types.NodeHandle { return local }, fx.ResultTags(`name:"local"`)),
		))
	}
	if o.policy != nil {
		modules = append(modules, fx.Supply(o.policy))
	}

	// ════════════════════════════════════════════════════════════════════════
	// 3. 原始传输
	// ════════════════════════════════════════════════════════════════════════
	if o.raw != nil {
		raw := o.raw
		modules = append(modules, fx.Provide(func() transportif.Transport[netip.AddrPort] { return raw }))
	} else {
		modules = append(modules, wire.Module())
	}

	// ════════════════════════════════════════════════════════════════════════
	// 4. 传输栈各层
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		identity.Module(),
		liveness.Module(),
		priority.Module(),
		fx.Populate(
			&s.reactor,
			&s.raw,
			&s.identity,
			&s.liveness,
			&s.priority,
			&s.metrics,
			&s.gatherer,
		),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 5. 用户自定义选项
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, o.fxOptions...)

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		return nil, fmt.Errorf("build stack: %w", err)
	}
	return app, nil
}
