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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/socketkill/nebula/internal/asset"
	"github.com/socketkill/nebula/internal/cache"
	"github.com/socketkill/nebula/internal/config"
	"github.com/socketkill/nebula/internal/logging"
	"github.com/socketkill/nebula/internal/metrics"
	"github.com/socketkill/nebula/internal/openapi"
	"github.com/socketkill/nebula/internal/proxy"
	"github.com/socketkill/nebula/internal/server"
	"github.com/socketkill/nebula/internal/server/routes"
	"github.com/socketkill/nebula/internal/stats"
	"github.com/socketkill/nebula/internal/version"
)

const shutdownTimeout = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	openapiPath string
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
		fields["assets"] = config.AssetKinds(cfg.Assets)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("config_valid")
		return 0
	}

	if opts.openapiPath != "" {
		if err := writeOpenAPI(cfg, opts.openapiPath); err != nil {
			fmt.Fprintf(stdErr, "生成 OpenAPI 文档失败: %v\n", err)
			return 1
		}
		logger.WithFields(logging.BaseFields("openapi", opts.configPath)).
			WithField("output", opts.openapiPath).
			Info("openapi_written")
		return 0
	}

	svc, err := buildService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["assets"] = config.AssetKinds(cfg.Assets)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = svc.disk.Root()
	fields["stats_enabled"] = svc.poller != nil
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("config_loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.serve(ctx, cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("nebula", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		showVer     bool
		openapiPath string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 NEBULA_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&openapiPath, "openapi", "", "将 OpenAPI 文档写入指定文件后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("NEBULA_CONFIG")
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
		openapiPath: openapiPath,
	}, nil
}

// service 持有一次进程生命周期内共享的组件。
type service struct {
	app    *fiber.App
	disk   *cache.DiskStore
	assets *cache.AssetCache
	poller *stats.Poller
	logger *logrus.Logger
}

// buildService 遵循 "配置 → 资源目录 → 磁盘 → 回源 → 单飞缓存 → Fiber" 的顺序装配组件，
// 保证所有请求共享同一个注册表与磁盘实例。
func buildService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	catalog, err := asset.NewCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建资源目录失败: %w", err)
	}

	disk, err := cache.NewDiskStore(cfg.Global.StoragePath, catalog.Directories()...)
	if err != nil {
		return nil, err
	}
	for _, dir := range disk.Created() {
		logger.WithFields(logrus.Fields{"action": "storage_init", "dir": dir}).Info("storage_init")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	origin := cache.NewHTTPOrigin(server.NewUpstreamClient(cfg), cfg.Global.UserAgent)
	assets, err := cache.NewAssetCache(cache.Options{
		Disk:        disk,
		Registry:    cache.NewPendingFetchRegistry(),
		Fetcher:     cache.NewRemoteFetcher(origin, disk),
		Logger:      logger,
		Metrics:     m,
		NegativeTTL: cfg.Global.NegativeCacheTTL.DurationValue(),
	})
	if err != nil {
		return nil, err
	}

	svc := &service{disk: disk, assets: assets, logger: logger}
	if cfg.Global.StatsEnabled {
		svc.poller, err = stats.NewPoller(stats.Options{
			Origin:   origin,
			Disk:     disk,
			BaseURL:  cfg.Global.ESIBaseURL,
			Interval: cfg.Global.StatsInterval.DurationValue(),
			Logger:   logger,
			Metrics:  m,
		})
		if err != nil {
			assets.Close()
			return nil, fmt.Errorf("初始化统计轮询失败: %w", err)
		}
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Catalog:    catalog,
		Assets:     proxy.NewHandler(assets, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		assets.Close()
		return nil, err
	}
	routes.RegisterAssetRoutes(app, catalog, assets)
	routes.RegisterBackgroundRoutes(app, routes.BackgroundOptions{
		Dir:           cfg.Global.BackgroundPath,
		PublicBaseURL: cfg.Global.PublicBaseURL,
		Logger:        logger,
	})
	routes.RegisterStatsRoutes(app, disk.Root())
	routes.RegisterMetricsRoute(app, reg)
	if err := routes.RegisterOpenAPIRoute(app, openapi.Build(catalog, cfg.Global.PublicBaseURL)); err != nil {
		assets.Close()
		return nil, err
	}

	svc.app = app
	return svc, nil
}

// serve 在 errgroup 中同时运行 HTTP 服务与统计轮询，ctx 取消后优雅关闭。
func (s *service) serve(ctx context.Context, port int) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("server_listening")
		return s.app.Listen(fmt.Sprintf(":%d", port))
	})

	if s.poller != nil {
		g.Go(func() error {
			return s.poller.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.WithField("action", "shutdown").Info("server_stopping")
		return s.app.ShutdownWithTimeout(shutdownTimeout)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *service) close() {
	if s.assets != nil {
		s.assets.Close()
	}
}

func writeOpenAPI(cfg *config.Config, path string) error {
	catalog, err := asset.NewCatalog(cfg)
	if err != nil {
		return err
	}
	body, err := openapi.Build(catalog, cfg.Global.PublicBaseURL).Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(body, '\n'), 0o644)
}
