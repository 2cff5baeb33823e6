// Package main 提供 pastry-node 命令行入口
//
// 启动一个基于 TCP/UDP 的传输栈，可选地向对端周期性发送消息，
// 并在 /metrics 上暴露 Prometheus 指标。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	pastry "github.com/matllubos/FreePastry-sub010"
	"github.com/matllubos/FreePastry-sub010/internal/util/logger"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
	"github.com/matllubos/FreePastry-sub010/pkg/types"
)

var log = logger.Logger("cmd")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
//
//   命令行参数：运行时覆盖 / 快速测试
//   配置文件（JSON/YAML）：持久化配置
//
// 优先级：命令行 > 环境变量 > 配置文件 > 预设
// ═══════════════════════════════════════════════════════════════════════════
var (
	listenAddr = flag.String("listen", "", "监听地址，如 0.0.0.0:9001")
	configFile = flag.String("config", "", "配置文件路径（.json/.yaml）")
	preset     = flag.String("preset", "", "预设配置 (lan/wan/test)")

	// ─────────────────────────────────────────────────────────────────────
	// 发送参数
	// ─────────────────────────────────────────────────────────────────────
	peer     = flag.String("peer", "", "对端节点句柄（对端启动时打印）")
	message  = flag.String("send", "ping", "发送的消息内容")
	count    = flag.Int("count", 0, "发送次数（0 = 不发送，-1 = 持续发送）")
	interval = flag.Duration("interval", time.Second, "发送间隔")
	prio     = flag.String("priority", "medium", "消息优先级 (max/high/medium-high/medium/medium-low/low/lowest)")
	datagram = flag.Bool("datagram", false, "以数据报发送，绕过优先级队列")

	// ─────────────────────────────────────────────────────────────────────
	// 观测参数
	// ─────────────────────────────────────────────────────────────────────
	metricsAddr = flag.String("metrics", "", "Prometheus 指标监听地址，如 127.0.0.1:9090")
	logFile     = flag.String("log", "", "日志文件路径")

	showVersion = flag.Bool("version", false, "显示版本信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Println(pastry.VersionInfo())
		return nil
	}

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("打开日志文件: %w", err)
		}
		defer func() { _ = f.Close() }()
		logger.SetOutput(f)
	}

	opts, err := buildOptions()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	var reg *prometheus.Registry
	if *metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, pastry.WithRegistry(reg))
	}

	var target types.NodeHandle
	if *count != 0 {
		if *peer == "" {
			return errors.New("-count 需要同时指定 -peer")
		}
		if target, err = types.ParseNodeHandle(*peer); err != nil {
			return err
		}
	}
	sendOpts, err := sendOptions(*prio, *datagram)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("启动 pastry 节点", "version", pastry.Version, "commit", pastry.GitCommit)
	stack, err := pastry.Start(ctx, opts...)
	if err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	defer func() { _ = stack.Close() }()

	printNodeInfo(stack)
	stack.Transport().SetCallback(printer{})

	g, ctx := errgroup.WithContext(ctx)
	if reg != nil {
		srv := &http.Server{Addr: *metricsAddr, Handler: metricsHandler(reg), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("指标服务: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if *count != 0 {
		g.Go(func() error {
			return sendLoop(ctx, stack, target, sendOpts)
		})
	}

	fmt.Println("节点已启动，按 Ctrl+C 退出")
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Println("\n正在关闭...")
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// sendLoop 按间隔发送消息，每轮打印对端的存活状态与邻近度
func sendLoop(ctx context.Context, stack *pastry.Stack, target types.NodeHandle, opts transportif.Options) error {
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var seq, acked, failed atomic.Int64
	for n := 0; *count < 0 || n < *count; n++ {
		i := seq.Add(1)
		payload := fmt.Sprintf("%s #%d", *message, i)
		stack.Transport().SendMessage(target, []byte(payload), func(_ transportif.MessageRequest[types.NodeHandle], err error) {
			if err != nil {
				failed.Add(1)
				fmt.Printf("✗ #%d 发送失败: %v\n", i, err)
				return
			}
			acked.Add(1)
		}, opts)

		live := stack.Liveness()
		fmt.Printf("→ #%d 已发送  状态=%s  RTT=%s  已确认=%d  失败=%d\n",
			i, live.Liveness(target), formatProximity(live.Proximity(target)), acked.Load(), failed.Load())

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// printer 打印收到的消息
type printer struct{}

func (printer) IncomingSocket(s transportif.Socket[types.NodeHandle]) error {
	log.Debug("忽略入站 socket", "peer", s.Identifier())
	return s.Close()
}

func (printer) MessageReceived(from types.NodeHandle, msg []byte, _ transportif.Options) error {
	fmt.Printf("← %s: %s\n", from.ShortString(), msg)
	return nil
}

func printNodeInfo(stack *pastry.Stack) {
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Printf("  %s\n", pastry.VersionInfo())
	fmt.Printf("  地址:   %s\n", stack.LocalAddr())
	fmt.Printf("  句柄:   %s\n", stack.LocalHandle())
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println()
}
