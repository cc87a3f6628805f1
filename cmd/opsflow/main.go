package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/BaSui01/opsflow/config"
	"github.com/BaSui01/opsflow/internal/telemetry"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// 🚀 程序入口
// =============================================================================

// 构建信息，由 ldflags 注入:
//
//	go build -ldflags "-X main.Version=v1.0.0 -X main.BuildTime=... -X main.GitCommit=..."
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🎯 serve 子命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, logLevel, err := initLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting opsflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without it", zap.Error(err))
		providers = nil
	}

	srv := NewServer(cfg, logger, providers)
	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start runtime", zap.Error(err))
	}

	if *configPath != "" {
		stop := watchConfig(*configPath, loader, logLevel, logger)
		defer stop()
	}

	srv.WaitForShutdown()
}

// watchConfig 监听配置文件变更并热更新日志级别，其余配置重启后生效。
// 返回的函数停止监听。
func watchConfig(path string, loader *config.Loader, logLevel zap.AtomicLevel, logger *zap.Logger) func() {
	watcher, err := config.NewWatcher(path, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
		return func() {}
	}

	watcher.OnChange(func(evt config.Event) {
		if evt.Op == config.OpRemove {
			logger.Warn("config file removed, keeping last loaded settings",
				zap.String("path", evt.Path))
			return
		}
		next, err := loader.Load()
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		if err := next.Validate(); err != nil {
			logger.Warn("reloaded config invalid, ignoring", zap.Error(err))
			return
		}
		if nextLevel := parseLogLevel(next.Log.Level); logLevel.Level() != nextLevel {
			prev := logLevel.Level()
			logLevel.SetLevel(nextLevel)
			logger.Info("log level updated",
				zap.String("from", prev.String()),
				zap.String("to", nextLevel.String()),
			)
		} else {
			logger.Info("config file changed, remaining settings apply on restart")
		}
	})

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("config watcher start failed", zap.Error(err))
		return func() {}
	}
	return func() { watcher.Stop() }
}

// parseLogLevel 解析日志级别名, 未知值回退 info。
func parseLogLevel(name string) zapcore.Level {
	switch name {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// initLogger 根据日志配置构建 zap Logger。返回的 AtomicLevel 供热更新使用。
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(parseLogLevel(cfg.Level))

	console := cfg.Format == "console"

	var encoderConfig zapcore.EncoderConfig
	var encoding string
	if console {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoding = "json"
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapCfg := zap.Config{
		Level:             level,
		Development:       console,
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputPaths,
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, level, err
	}
	return logger, level, nil
}

// =============================================================================
// 🩺 health 子命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9091", "ops listener base URL")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Unhealthy: %s\n", resp.Status)
		os.Exit(1)
	}
	fmt.Println("OK")
}

// =============================================================================
// ℹ️ version / usage
// =============================================================================

func printVersion() {
	fmt.Printf("opsflow %s\n", Version)
	fmt.Printf("  build time: %s\n", BuildTime)
	fmt.Printf("  git commit: %s\n", GitCommit)
	fmt.Printf("  go version: %s\n", runtime.Version())
}

func printUsage() {
	fmt.Print(`opsflow - agent orchestration runtime

Usage:
  opsflow <command> [flags]

Commands:
  serve      Start the runtime with the ops listener (/metrics, /healthz)
  migrate    Run database migrations (see "opsflow migrate help")
  health     Probe a running instance's /healthz endpoint
  version    Print build information
  help       Show this help

Flags for serve:
  --config   Path to YAML config file (env vars with OPSFLOW_ prefix override;
             the file is watched and the log level applies live)

Flags for health:
  --addr     Ops listener base URL (default http://localhost:9091)
`)
}
