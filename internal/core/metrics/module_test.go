package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// TestModule_Provides 测试模块提供的类型
func TestModule_Provides(t *testing.T) {
	var (
		m   *Metrics
		reg prometheus.Gatherer
	)

	app := fxtest.New(t,
		Module,
		fx.Populate(&m, &reg),
	)
	defer app.RequireStart().RequireStop()

	require.NotNil(t, m)
	require.NotNil(t, reg)

	m.PingSent()
	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["pastry_liveness_pings_sent_total"])
	assert.True(t, names["go_goroutines"])
}

// TestModule_InjectedRegistry 测试使用外部注册表
func TestModule_InjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	var got prometheus.Gatherer

	app := fxtest.New(t,
		fx.Supply(reg),
		Module,
		fx.Populate(&got),
	)
	defer app.RequireStart().RequireStop()

	assert.Same(t, reg, got)
}
