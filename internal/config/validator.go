package config

import (
	"fmt"
	"net/netip"
	"strings"
)

// ValidationError 配置校验错误
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("配置错误 [%s]: %s", e.Field, e.Message)
}

// ValidationErrors 多个配置校验错误
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}

	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors 是否有错误
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator 配置校验器
type Validator struct {
	errors ValidationErrors
}

// NewValidator 创建校验器
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// addError 添加错误
func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

// Errors 返回所有错误
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// Validate 校验配置
func Validate(config *Config) error {
	v := NewValidator()

	v.validateWire(&config.Wire)
	v.validateIdentity(&config.Identity)
	v.validateLiveness(&config.Liveness)
	v.validatePriority(&config.Priority)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// validateWire 校验传输配置
func (v *Validator) validateWire(cfg *WireConfig) {
	if cfg.ListenAddr == "" {
		v.addError("wire.listen_addr", "地址不能为空")
	} else if _, err := netip.ParseAddrPort(cfg.ListenAddr); err != nil {
		v.addError("wire.listen_addr", fmt.Sprintf("无效地址: %v", err))
	}

	if cfg.DialTimeout <= 0 {
		v.addError("wire.dial_timeout", "必须大于 0")
	}

	if cfg.SocketBufferSize < 1024 {
		v.addError("wire.socket_buffer_size", "不能小于 1024")
	}

	if cfg.KeepAlive < 0 {
		v.addError("wire.keep_alive", "不能为负数")
	}
}

// validateIdentity 校验身份层配置
func (v *Validator) validateIdentity(cfg *IdentityConfig) {
	if cfg.MaxIdentitySize < 1 {
		v.addError("identity.max_identity_size", "必须大于 0")
	}

	if cfg.DeadForeverCacheSize < 1 {
		v.addError("identity.dead_forever_cache_size", "必须大于 0")
	}
}

// validateLiveness 校验存活检测配置
func (v *Validator) validateLiveness(cfg *LivenessConfig) {
	if cfg.PingDelay <= 0 {
		v.addError("liveness.ping_delay", "必须大于 0")
	}

	if cfg.PingJitter < 0 || cfg.PingJitter >= 1 {
		v.addError("liveness.ping_jitter", "必须在 [0, 1) 范围内")
	}

	if cfg.NumPingTries < 1 {
		v.addError("liveness.num_ping_tries", "必须大于 0")
	}

	if cfg.CheckDeadThrottle < 0 {
		v.addError("liveness.check_dead_throttle", "不能为负数")
	}

	if cfg.RTOLowerBound <= 0 {
		v.addError("liveness.rto_lower_bound", "必须大于 0")
	}

	if cfg.RTOUpperBound < cfg.RTOLowerBound {
		v.addError("liveness.rto_upper_bound", "不能小于下界")
	}

	if cfg.DefaultRTO < cfg.RTOLowerBound || cfg.DefaultRTO > cfg.RTOUpperBound {
		v.addError("liveness.default_rto", "必须在 RTO 上下界之间")
	}

	if cfg.GainG <= 0 || cfg.GainG > 1 {
		v.addError("liveness.gain_g", "必须在 (0, 1] 范围内")
	}

	if cfg.GainH <= 0 || cfg.GainH > 1 {
		v.addError("liveness.gain_h", "必须在 (0, 1] 范围内")
	}

	if cfg.DeadForeverCacheSize < 1 {
		v.addError("liveness.dead_forever_cache_size", "必须大于 0")
	}

	if cfg.StallFactor < 1 {
		v.addError("liveness.stall_factor", "必须大于 0")
	}
}

// validatePriority 校验优先级层配置
func (v *Validator) validatePriority(cfg *PriorityConfig) {
	if cfg.MaxMsgSize < 1 {
		v.addError("priority.max_msg_size", "必须大于 0")
	}

	// 帧头是 4 字节无符号长度
	if int64(cfg.MaxMsgSize) > 1<<32-1 {
		v.addError("priority.max_msg_size", "超出 4 字节长度前缀的表示范围")
	}

	if cfg.MaxQueueSize < 1 {
		v.addError("priority.max_queue_size", "必须大于 0")
	}

	if cfg.OpenRetries < 0 {
		v.addError("priority.open_retries", "不能为负数")
	}

	if cfg.OpenRetryDelay < 0 {
		v.addError("priority.open_retry_delay", "不能为负数")
	}
}
