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

	"github.com/eternlty/offline-cache/internal/cache"
	"github.com/eternlty/offline-cache/internal/config"
	"github.com/eternlty/offline-cache/internal/logging"
	"github.com/eternlty/offline-cache/internal/metrics"
	"github.com/eternlty/offline-cache/internal/proxy"
	"github.com/eternlty/offline-cache/internal/server"
	"github.com/eternlty/offline-cache/internal/server/routes"
	"github.com/eternlty/offline-cache/internal/version"
)

const (
	configEnvVar    = "OFFLINE_CACHE_CONFIG"
	shutdownTimeout = 10 * time.Second
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

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
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["scopes"] = config.ScopeSummaries(cfg.Scopes)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 缓存存储 → ScopeRegistry → 安装激活 → Fiber server”顺序，
	// 所有 scope 共享同一个存储与上游 http.Client。
	store, err := cache.NewBackend(cfg.Global.StorageBackend, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	var collector *metrics.Metrics
	if cfg.Global.MetricsEnabled {
		collector = metrics.New()
	}

	registry, err := server.NewScopeRegistry(cfg, server.NewRegistrationBuilder(server.RegistrationDeps{
		Store:       store,
		Client:      server.NewUpstreamClient(cfg),
		Logger:      logger,
		Metrics:     collector,
		Concurrency: cfg.Global.InstallConcurrency,
	}))
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Scope 注册表失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	installScopes(ctx, registry, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["scopes"] = config.ScopeSummaries(cfg.Scopes)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	forwarder := proxy.NewForwarder(proxy.NewHandler(logger, collector), logger)
	err = startHTTPServer(ctx, cfg, registry, forwarder, collector, logger)

	// 等待后台刷新写完再关闭存储
	registry.Wait()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// installScopes 为每个 scope 安装并激活配置的版本；失败时尝试接管磁盘上已有的同版本代际，
// 仍失败则该 scope 以透传模式运行，不影响其他 scope。
func installScopes(ctx context.Context, registry *server.ScopeRegistry, logger *logrus.Logger) {
	for _, route := range registry.List() {
		reg := route.Registration
		if reg == nil {
			continue
		}
		version := route.Config.CacheVersion
		fields := logging.ScopeFields("startup_install", route.Config.Name, version)

		report, err := reg.Update(ctx, version)
		if err == nil {
			fields["cached"] = report.Cached
			fields["failed"] = report.Failed
			logger.WithFields(fields).Info("scope ready")
			continue
		}

		adopted, adoptErr := reg.Adopt(ctx, version)
		switch {
		case adopted:
			logger.WithFields(fields).WithError(err).Warn("install failed, serving existing generation")
		case adoptErr != nil:
			logger.WithFields(fields).WithError(errors.Join(err, adoptErr)).Error("install failed, scope passes through")
		default:
			logger.WithFields(fields).WithError(err).Error("install failed, scope passes through")
		}
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnvVar)
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
	}, nil
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	registry *server.ScopeRegistry,
	proxyHandler server.ProxyHandler,
	collector *metrics.Metrics,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterScopeRoutes(app, routes.Options{
		Registry: registry,
		Logger:   logger,
		Metrics:  collector,
		// 未配置令牌时只允许本机调用安装与清空接口
		ControlToken: cfg.Global.ControlToken,
	})

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("shutdown incomplete")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}
