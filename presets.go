package pastry

import (
	"time"

	"github.com/matllubos/FreePastry-sub010/internal/config"
)

// ════════════════════════════════════════════════════════════════════════════
//                              预设配置常量
// ════════════════════════════════════════════════════════════════════════════

// 预设名称常量
const (
	// PresetNameLAN 局域网预设名称
	PresetNameLAN = "lan"

	// PresetNameWAN 广域网预设名称
	PresetNameWAN = "wan"

	// PresetNameTest 测试预设名称
	PresetNameTest = "test"
)

// Preset 预设配置
type Preset struct {
	Name        string
	Description string

	apply func(*config.Config)
}

// Apply 把预设写入 cfg
func (p *Preset) Apply(cfg *config.Config) {
	if p.apply != nil {
		p.apply(cfg)
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              预设定义
// ════════════════════════════════════════════════════════════════════════════

// PresetLAN 局域网预设
//
// 适用场景：机房内部、同一局域网的节点
// 特点：
//   - RTT 低，RTO 初值与下界更小
//   - 更快地判定死亡
var PresetLAN = &Preset{
	Name:        PresetNameLAN,
	Description: "低延迟网络，快速故障检测",
	apply: func(cfg *config.Config) {
		cfg.Liveness.PingDelay = 100 * time.Millisecond
		cfg.Liveness.DefaultRTO = 500 * time.Millisecond
		cfg.Liveness.RTOLowerBound = 20 * time.Millisecond
		cfg.Liveness.RTOUpperBound = 2 * time.Second
		cfg.Liveness.CheckDeadThrottle = 200 * time.Millisecond
	},
}

// PresetWAN 广域网预设，即默认配置
var PresetWAN = &Preset{
	Name:        PresetNameWAN,
	Description: "默认配置，适合公网部署",
	apply: func(cfg *config.Config) {
		cfg.Liveness = config.DefaultLivenessConfig()
		cfg.Priority = config.DefaultPriorityConfig()
	},
}

// PresetTest 测试预设
//
// 监听回环地址的随机端口，关闭 ping 抖动以便结果可复现。
var PresetTest = &Preset{
	Name:        PresetNameTest,
	Description: "测试环境",
	apply: func(cfg *config.Config) {
		cfg.Wire.ListenAddr = "127.0.0.1:0"
		cfg.Wire.DialTimeout = 2 * time.Second
		cfg.Liveness.PingJitter = 0
		cfg.Liveness.NumPingTries = 3
		cfg.Priority.OpenRetries = 1
	},
}

// GetPresetByName 根据名称获取预设，未知名称返回 nil
func GetPresetByName(name string) *Preset {
	switch name {
	case PresetNameLAN:
		return PresetLAN
	case PresetNameWAN:
		return PresetWAN
	case PresetNameTest:
		return PresetTest
	default:
		return nil
	}
}
