package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
)

// Params Metrics 依赖参数
type Params struct {
	fx.In

	// Registry 外部注入的注册表（可选）
	Registry *prometheus.Registry `optional:"true"`
}

// Result Metrics 输出
//
// 注册表以 Gatherer 形式输出，供 /metrics 端点使用；
// 外部注入的注册表不会被重复提供。
type Result struct {
	fx.Out

	Metrics  *Metrics
	Gatherer prometheus.Gatherer
}

// Module 是 metrics 的 Fx 模块
var Module = fx.Module("metrics",
	fx.Provide(NewFromParams),
)

// NewFromParams 从参数创建指标；未注入注册表时新建一个并附带进程/Go 运行时指标
func NewFromParams(p Params) (Result, error) {
	reg := p.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m, err := New(reg)
	if err != nil {
		return Result{}, err
	}
	return Result{Metrics: m, Gatherer: reg}, nil
}
