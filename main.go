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

	"github.com/cthulhu-proxy/cthulhu/internal/blob"
	"github.com/cthulhu-proxy/cthulhu/internal/config"
	"github.com/cthulhu-proxy/cthulhu/internal/logging"
	"github.com/cthulhu-proxy/cthulhu/internal/metadata"
	"github.com/cthulhu-proxy/cthulhu/internal/origin"
	"github.com/cthulhu-proxy/cthulhu/internal/proxy"
	"github.com/cthulhu-proxy/cthulhu/internal/server"
	"github.com/cthulhu-proxy/cthulhu/internal/server/routes"
	"github.com/cthulhu-proxy/cthulhu/internal/version"
)

const shutdownTimeout = 10 * time.Second

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
		fields["metadata"] = cfg.BackendSummary()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 正文存储 → 元数据索引 → 回源客户端 → Handler → Fiber server。
	store, err := blob.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化存储目录失败: %v\n", err)
		return 1
	}

	ctx := context.Background()
	index, err := metadata.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化元数据索引失败: %v\n", err)
		return 1
	}
	defer index.Close()

	handler, err := proxy.NewHandler(proxy.Options{
		Logger:         logger,
		Blobs:          store,
		Index:          index,
		Fetcher:        origin.NewHTTPFetcher(origin.NewClient(origin.ClientOptions{Timeout: cfg.Global.UpstreamTimeout.DurationValue()})),
		CollapseMisses: cfg.Global.CollapseMisses,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建代理失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["metadata"] = cfg.BackendSummary()
	fields["collapse_misses"] = cfg.Global.CollapseMisses
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, handler, index.Backend(), logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("cthulhu", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 CTHULHU_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("CTHULHU_CONFIG")
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

func buildApp(cfg *config.Config, handler *proxy.Handler, backend string, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticRoutes(app, routes.StatusSource{
		Version:     version.Full(),
		Backend:     backend,
		StoragePath: cfg.Global.StoragePath,
		StartedAt:   time.Now(),
		Proxy:       handler,
	})
	return app, nil
}

// startHTTPServer 阻塞直到监听失败或收到 SIGINT/SIGTERM；收到信号时优雅关闭。
func startHTTPServer(cfg *config.Config, handler *proxy.Handler, backend string, logger *logrus.Logger) error {
	app, err := buildApp(cfg, handler, backend, logger)
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-listenErr:
		return err
	case <-sigCtx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown", "port": port}).Info("收到退出信号，开始关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
