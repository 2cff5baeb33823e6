// Package logger 提供按子系统划分的结构化日志
//
// 基于标准库 log/slog：
//   - 每个子系统一个 *slog.Logger，带 subsystem 属性
//   - 通过环境变量 PASTRY_LOG_LEVEL / PASTRY_LOG_FORMAT 配置
//   - 运行时可调整级别、切换输出
//
// 使用示例:
//
//	var log = logger.Logger("liveness")
//
//	log.Debug("节点被标记为可疑", "peer", id, "rto", rto)
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggers sync.Map // map[string]*slog.Logger
	levels  sync.Map // map[string]*slog.LevelVar

	output   io.Writer = os.Stderr
	outputMu sync.RWMutex
)

// switchWriter 每次写入时查找当前输出目标，SetOutput 对已创建的 Logger 同样生效
type switchWriter struct{}

func (switchWriter) Write(p []byte) (int, error) {
	outputMu.RLock()
	w := output
	outputMu.RUnlock()
	return w.Write(p)
}

// Logger 返回指定子系统的 Logger，同一子系统返回同一实例
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	cfg := ConfigFromEnv()
	lv := new(slog.LevelVar)
	lv.Set(cfg.LevelFor(subsystem))

	opts := &slog.HandlerOptions{
		Level:     lv,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			return a
		},
	}

	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(switchWriter{}, opts)
	} else {
		h = slog.NewTextHandler(switchWriter{}, opts)
	}
	l := slog.New(h.WithAttrs([]slog.Attr{slog.String("subsystem", subsystem)}))

	actual, loaded := loggers.LoadOrStore(subsystem, l)
	if !loaded {
		levels.Store(subsystem, lv)
	}
	return actual.(*slog.Logger)
}

// SetLevel 运行时调整子系统日志级别
func SetLevel(subsystem string, level slog.Level) {
	if lv, ok := levels.Load(subsystem); ok {
		lv.(*slog.LevelVar).Set(level)
	}
}

// SetGlobalLevel 调整所有已创建子系统的日志级别
func SetGlobalLevel(level slog.Level) {
	levels.Range(func(_, v any) bool {
		v.(*slog.LevelVar).Set(level)
		return true
	})
}

// SetOutput 切换全局日志输出目标
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}

// Discard 返回丢弃所有日志的 Logger（测试用）
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
