package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/config"
	"github.com/any-hub/vcache/internal/logging"
	"github.com/any-hub/vcache/internal/proxy"
	"github.com/any-hub/vcache/internal/server"
	"github.com/any-hub/vcache/internal/server/routes"
	"github.com/any-hub/vcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	printURL    string
}

const shutdownTimeout = 10 * time.Second

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
// ctx 结束时触发优雅退出。
func run(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	if opts.printURL != "" {
		if err := server.ValidateOrigin(opts.printURL); err != nil {
			fmt.Fprintf(stdErr, "无效的源站地址: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdOut, server.ProxyURL(cfg.Global.ListenHost, cfg.Global.ListenPort, opts.printURL))
		return 0
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_backend"] = cfg.Global.CacheBackend
		fields["source_info_backend"] = cfg.Global.SourceInfoBackend
		fields["headers"] = config.HeaderSummary(cfg.Headers)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 共享依赖（上游客户端/缓存/注册表）→ Fiber server，
	// 保证所有请求共享同一个引擎注册表与磁盘缓存。
	rt, err := server.NewRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen"] = cfg.ListenAddr()
	fields["storage_path"] = cfg.Global.StoragePath
	fields["cache_backend"] = cfg.Global.CacheBackend
	fields["max_cache_size"] = cfg.Global.MaxCacheSize.Int64()
	fields["headers"] = config.HeaderSummary(cfg.Headers)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serveHTTP(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		shutdownRuntime(rt, logger)
		return 1
	}
	shutdownRuntime(rt, logger)
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("vcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		printURL   string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 VCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&printURL, "print-url", "", "打印源站 URL 对应的本地代理地址后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("VCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		printURL:    printURL,
	}, nil
}

func newHTTPApp(cfg *config.Config, rt *server.Runtime, logger *logrus.Logger) (*fiber.App, error) {
	handler := proxy.NewHandler(rt.Registry, logger, int(cfg.Global.ChunkSize.Int64()))
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, rt)
	return app, nil
}

// serveHTTP 启动 Fiber 并阻塞到 ctx 结束或监听失败。
func serveHTTP(ctx context.Context, cfg *config.Config, rt *server.Runtime, logger *logrus.Logger) error {
	app, err := newHTTPApp(cfg, rt, logger)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   cfg.ListenAddr(),
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(cfg.ListenAddr(), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，停止接收新请求")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func shutdownRuntime(rt *server.Runtime, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("运行时关闭不完整")
		return
	}
	logger.WithField("action", "shutdown").Info("服务已退出")
}
