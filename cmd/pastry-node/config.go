package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	pastry "github.com/matllubos/FreePastry-sub010"
	livenessif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/liveness"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// ============================================================================
//                              配置加载（CLI 专用）
// ============================================================================

// 环境变量（均使用 PASTRY_ 前缀）
const (
	envPreset     = "PASTRY_PRESET"
	envListenAddr = "PASTRY_LISTEN_ADDR"
)

// buildOptions 合并配置文件、环境变量与命令行参数
func buildOptions() ([]pastry.Option, error) {
	cfg := &pastry.UserConfig{}
	if *configFile != "" {
		loaded, err := pastry.LoadUserConfig(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg)

	if *preset != "" {
		cfg.Preset = *preset
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	return cfg.ToOptions(), nil
}

// applyEnvOverrides 应用环境变量覆盖配置
//
// 环境变量优先级高于配置文件，但低于命令行参数。
func applyEnvOverrides(cfg *pastry.UserConfig) {
	if v := os.Getenv(envPreset); v != "" {
		cfg.Preset = v
	}
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
}

// sendOptions 由命令行参数构造发送选项
func sendOptions(name string, datagram bool) (transportif.Options, error) {
	opts := transportif.Options{Datagram: datagram}
	for _, p := range []transportif.Priority{
		transportif.PriorityMax, transportif.PriorityHigh, transportif.PriorityMediumHigh,
		transportif.PriorityMedium, transportif.PriorityMediumLow, transportif.PriorityLow,
		transportif.PriorityLowest,
	} {
		if p.String() == strings.ToLower(name) {
			opts.Priority = p
			return opts, nil
		}
	}
	return opts, fmt.Errorf("未知优先级 %q", name)
}

func formatProximity(d time.Duration) string {
	if d == livenessif.DefaultProximity {
		return "未知"
	}
	return d.Round(time.Microsecond).String()
}
