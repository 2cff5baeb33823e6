package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pastry "github.com/matllubos/FreePastry-sub010"
	livenessif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/liveness"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

func TestSendOptions(t *testing.T) {
	opts, err := sendOptions("HIGH", false)
	require.NoError(t, err)
	assert.Equal(t, transportif.PriorityHigh, opts.Priority)
	assert.False(t, opts.Datagram)

	opts, err = sendOptions("medium-low", true)
	require.NoError(t, err)
	assert.Equal(t, transportif.PriorityMediumLow, opts.Priority)
	assert.True(t, opts.Datagram)

	_, err = sendOptions("urgent", false)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(envPreset, "lan")
	t.Setenv(envListenAddr, "127.0.0.1:9100")

	cfg := &pastry.UserConfig{Preset: "wan", ListenAddr: "0.0.0.0:1"}
	applyEnvOverrides(cfg)
	assert.Equal(t, "lan", cfg.Preset)
	assert.Equal(t, "127.0.0.1:9100", cfg.ListenAddr)
}

func TestFormatProximity(t *testing.T) {
	assert.Equal(t, "未知", formatProximity(livenessif.DefaultProximity))
	assert.Equal(t, "1.5ms", formatProximity(1500*time.Microsecond))
}
