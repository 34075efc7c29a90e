package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/uni-sync/uni-sync-cache/internal/cache"
	"github.com/uni-sync/uni-sync-cache/internal/config"
	"github.com/uni-sync/uni-sync-cache/internal/lifecycle"
	"github.com/uni-sync/uni-sync-cache/internal/logging"
	"github.com/uni-sync/uni-sync-cache/internal/metrics"
	"github.com/uni-sync/uni-sync-cache/internal/proxy"
	"github.com/uni-sync/uni-sync-cache/internal/server"
	"github.com/uni-sync/uni-sync-cache/internal/server/routes"
	"github.com/uni-sync/uni-sync-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	installOnly bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// listenFunc 启动 HTTP 服务，测试中可替换以避免真实监听端口。
var listenFunc = startHTTPServer

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
		fields["cache_name"] = cfg.Cache.Name
		fields["assets"] = len(cfg.Cache.StaticAssets)
		fields["upstream"] = cfg.Global.Upstream
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序遵循“配置 → 缓存存储 → 上游 client → Manager → install/activate → Fiber server”，
	// 保证 server 开始接收请求前当前缓存代际已经就绪（或明确失败）。
	storage, err := cache.NewStorage(cfg.Global.StoragePath, cache.Options{
		MaxMemoryEntries: cfg.Global.MaxMemoryEntries,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	upstream, err := cfg.UpstreamURL()
	if err != nil {
		fmt.Fprintf(stdErr, "%v\n", err)
		return 1
	}

	reg := metrics.New()
	manager, err := lifecycle.NewManager(lifecycle.Options{
		CacheName: cfg.Cache.Name,
		Assets:    cfg.Cache.StaticAssets,
		Upstream:  upstream,
		Storage:   storage,
		Client:    server.NewUpstreamClient(cfg, logger),
		Logger:    logger,
		Metrics:   reg,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建生命周期管理器失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_name"] = cfg.Cache.Name
	fields["upstream"] = cfg.Global.Upstream
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	installErr := runLifecycle(context.Background(), manager)
	if opts.installOnly {
		if installErr != nil {
			fmt.Fprintf(stdErr, "预缓存失败: %v\n", installErr)
			return 1
		}
		return 0
	}

	proxyHandler, err := proxy.NewHandler(manager, upstream, logger, cfg.Global.ListenPort)
	if err != nil {
		fmt.Fprintf(stdErr, "构建代理失败: %v\n", err)
		return 1
	}
	if err := listenFunc(cfg, manager, reg, proxyHandler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// runLifecycle 依次派发 install 与 activate；install 失败时跳过 activate，
// 旧缓存代际继续保留并参与 fetch 匹配。返回 install 的错误。
func runLifecycle(ctx context.Context, manager *lifecycle.Manager) error {
	if err := manager.Install(ctx); err != nil {
		return err
	}
	// activate 失败只影响旧缓存清理，已记录日志，不阻止服务启动。
	_ = manager.Activate(ctx)
	return nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("uni-sync-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		showVer     bool
		installOnly bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 UNI_SYNC_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&installOnly, "install-only", false, "执行 install/activate 后退出，不启动 HTTP 服务")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("UNI_SYNC_CONFIG")
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
		installOnly: installOnly,
	}, nil
}

func startHTTPServer(
	cfg *config.Config,
	manager *lifecycle.Manager,
	reg *metrics.Metrics,
	proxyHandler server.ProxyHandler,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, manager, reg.Registry)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
