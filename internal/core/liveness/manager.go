package liveness

import (
	"math"
	"sync"
	"time"

	"github.com/matllubos/FreePastry-sub010/internal/config"
	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	livenessif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/liveness"
)

// ============================================================================
//                              entityManager
// ============================================================================

// entityManager 单个远端标识的存活状态
type entityManager[ID comparable] struct {
	id ID

	mu sync.Mutex

	// RTO 估计（纳秒，浮点）
	rtt       float64
	stddev    float64
	rto       time.Duration
	hasSample bool

	state     livenessif.State
	lastCheck time.Time
	checker   *deadChecker[ID]
	sockets   map[*livenessSocket[ID]]struct{}
}

func newEntityManager[ID comparable](id ID, cfg *config.LivenessConfig) *entityManager[ID] {
	return &entityManager[ID]{
		id:      id,
		rto:     cfg.DefaultRTO,
		state:   livenessif.StateSuspected,
		sockets: make(map[*livenessSocket[ID]]struct{}),
	}
}

// updateRTO 用一个 RTT 样本更新估计，调用方持有 em.mu
//
// 首个样本直接作为 RTT，偏差取其一半；之后按增益 G/H 平滑。
func (em *entityManager[ID]) updateRTO(sample time.Duration, cfg *config.LivenessConfig) {
	m := float64(sample)
	if !em.hasSample {
		em.rtt = m
		em.stddev = m / 2
	} else {
		diff := m - em.rtt
		em.rtt += cfg.GainG * diff
		em.stddev += cfg.GainH * (math.Abs(diff) - em.stddev)
	}
	em.rto = clampRTO(time.Duration(em.rtt+4*em.stddev), cfg)
	em.hasSample = true
}

func clampRTO(rto time.Duration, cfg *config.LivenessConfig) time.Duration {
	if rto < cfg.RTOLowerBound {
		return cfg.RTOLowerBound
	}
	if rto > cfg.RTOUpperBound {
		return cfg.RTOUpperBound
	}
	return rto
}

// stopChecker 取消未完成的 deadChecker，调用方持有 em.mu
func (em *entityManager[ID]) stopChecker() {
	if em.checker == nil {
		return
	}
	em.checker.timer.Cancel()
	em.checker = nil
}

// ============================================================================
//                              deadChecker
// ============================================================================

// deadChecker 一轮存活检查
type deadChecker[ID comparable] struct {
	em    *entityManager[ID]
	tries int
	timer *reactor.Timer
}

// retryDelay 第 tries 次重试前的等待，jitter 为 [-1, 1) 的随机因子
func retryDelay(cfg *config.LivenessConfig, tries int, jitter float64) time.Duration {
	base := float64(cfg.PingDelay) * math.Pow(2, float64(tries-1))
	return time.Duration(base + base*cfg.PingJitter*jitter)
}
