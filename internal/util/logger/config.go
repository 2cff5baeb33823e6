package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// 环境变量
const (
	// EnvLevel 日志级别，格式: 子系统=级别,子系统=级别,默认级别
	// 示例: liveness=debug,priority=warn,info
	EnvLevel = "PASTRY_LOG_LEVEL"

	// EnvFormat 输出格式: text 或 json
	EnvFormat = "PASTRY_LOG_FORMAT"

	// EnvAddSource 是否输出源码位置
	EnvAddSource = "PASTRY_LOG_ADD_SOURCE"
)

// Format 日志输出格式
type Format int

const (
	// FormatText 文本格式（默认）
	FormatText Format = iota
	// FormatJSON JSON 格式
	FormatJSON
)

// Config 日志配置
type Config struct {
	// DefaultLevel 默认日志级别
	DefaultLevel slog.Level

	// SubsystemLevels 各子系统单独的日志级别
	SubsystemLevels map[string]slog.Level

	// Format 输出格式
	Format Format

	// AddSource 是否添加源码位置
	AddSource bool
}

// LevelFor 返回子系统的日志级别
func (c *Config) LevelFor(subsystem string) slog.Level {
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	return c.DefaultLevel
}

var (
	envConfig     *Config
	envConfigOnce sync.Once
)

// ConfigFromEnv 从环境变量解析配置，结果被缓存
func ConfigFromEnv() *Config {
	envConfigOnce.Do(func() {
		envConfig = ParseConfig(os.Getenv(EnvLevel), os.Getenv(EnvFormat), os.Getenv(EnvAddSource))
	})
	return envConfig
}

// ParseConfig 解析级别、格式与源码位置配置字符串
func ParseConfig(levels, format, addSource string) *Config {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
		Format:          FormatText,
	}

	for _, part := range strings.Split(levels, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, lvl, found := strings.Cut(part, "=")
		if !found {
			if level, ok := parseLevel(name); ok {
				cfg.DefaultLevel = level
			}
			continue
		}
		if level, ok := parseLevel(lvl); ok {
			cfg.SubsystemLevels[strings.TrimSpace(name)] = level
		}
	}

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		cfg.Format = FormatJSON
	}
	switch strings.ToLower(strings.TrimSpace(addSource)) {
	case "1", "true", "yes":
		cfg.AddSource = true
	}
	return cfg
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// resetConfig 清空环境配置缓存（仅测试使用）
func resetConfig() {
	envConfigOnce = sync.Once{}
	envConfig = nil
}
