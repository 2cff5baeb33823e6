package config

import (
	"go.uber.org/fx"
)

// Provider 配置提供者
//
// Provider 负责将配置分发给各个组件
type Provider struct {
	config *Config
}

// NewProvider 创建配置提供者
func NewProvider(config *Config) *Provider {
	return &Provider{
		config: config,
	}
}

// GetConfig 获取完整配置
func (p *Provider) GetConfig() *Config {
	return p.config
}

// GetWire 获取传输配置
func (p *Provider) GetWire() *WireConfig {
	return &p.config.Wire
}

// GetIdentity 获取身份层配置
func (p *Provider) GetIdentity() *IdentityConfig {
	return &p.config.Identity
}

// GetLiveness 获取存活检测配置
func (p *Provider) GetLiveness() *LivenessConfig {
	return &p.config.Liveness
}

// GetPriority 获取优先级层配置
func (p *Provider) GetPriority() *PriorityConfig {
	return &p.config.Priority
}

// ============================================================================
//                              fx 模块
// ============================================================================

// ProviderResult fx 提供者结果
type ProviderResult struct {
	fx.Out

	Provider       *Provider
	WireConfig     *WireConfig
	IdentityConfig *IdentityConfig
	LivenessConfig *LivenessConfig
	PriorityConfig *PriorityConfig
}

// ProvideConfig 校验并分发配置
func ProvideConfig(config *Config) (ProviderResult, error) {
	if err := Validate(config); err != nil {
		return ProviderResult{}, err
	}

	provider := NewProvider(config)
	return ProviderResult{
		Provider:       provider,
		WireConfig:     provider.GetWire(),
		IdentityConfig: provider.GetIdentity(),
		LivenessConfig: provider.GetLiveness(),
		PriorityConfig: provider.GetPriority(),
	}, nil
}

// Module 返回配置 fx 模块，需要外部提供 *Config
func Module() fx.Option {
	return fx.Module("config",
		fx.Provide(ProvideConfig),
	)
}
