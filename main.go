// ScanBridge exposes the host's document scanners to browser applications
// over a loopback WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"scanbridge/backend"
	"scanbridge/common/config"
	"scanbridge/common/logger"
	"scanbridge/devices"
	"scanbridge/metrics"
	"scanbridge/protocol"
	"scanbridge/scan"
	"scanbridge/storage"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const pruneInterval = 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "Configuration file path (default: search standard locations)")
	generateConfig := flag.Bool("generate-config", false, "Generate default config file and exit")
	serviceCmd := flag.String("service", "", "Service control: install, uninstall, start, stop, run")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ScanBridge %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return
	}

	if *generateConfig {
		path := *configPath
		if path == "" {
			path = configFileName
		}
		if err := WriteDefaultBridgeConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default configuration at %s\n", path)
		return
	}

	if *serviceCmd != "" {
		if err := handleServiceCommand(*serviceCmd, *configPath); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	if !service.Interactive() {
		if err := handleServiceCommand("run", *configPath); err != nil {
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runBridge(ctx, *configPath, false); err != nil {
		fmt.Fprintf(os.Stderr, "ScanBridge failed: %v\n", err)
		os.Exit(1)
	}
}

// runBridge wires every component and serves until ctx is cancelled.
func runBridge(ctx context.Context, configFlag string, isService bool) error {
	logDir, err := config.GetLogDirectory(isService)
	if err != nil {
		logDir = ""
	}
	appLogger := logger.New(logger.INFO, logDir, 1000)
	appLogger.SetRotationPolicy(logger.RotationPolicy{
		Enabled:    true,
		MaxSizeMB:  10,
		MaxAgeDays: 7,
		MaxFiles:   5,
	})
	defer appLogger.Close()

	cfg, cfgPath, err := loadConfig(configFlag)
	if err != nil {
		appLogger.Error("Failed to load configuration", "error", err)
		return err
	}
	appLogger.SetLevel(logger.LevelFromString(cfg.Logging.Level))
	appLogger.SetConsoleOutput(!isService)
	for _, tag := range cfg.Logging.TraceTags {
		appLogger.EnableTraceTag(tag)
	}
	if cfgPath != "" {
		appLogger.Info("Loaded configuration", "path", cfgPath)
	} else {
		appLogger.Warn("No config.toml found, using defaults")
	}
	appLogger.Info("ScanBridge starting", "version", Version, "git_commit", GitCommit, "service", isService)

	storage.SetLogger(appLogger)
	metrics.RegisterMetrics()
	recorder := metrics.Recorder{}

	adapter, err := backend.Select(ctx, backend.Options{
		Kind: cfg.Backend.Kind,
		WIA: backend.WIAConfig{
			PowerShell: cfg.Backend.WIA.PowerShell,
			ListScript: resolveScriptPath(cfg.Backend.WIA.ListScript),
			ScanScript: resolveScriptPath(cfg.Backend.WIA.ScanScript),
		},
		SANE:     cfg.Backend.SANE,
		Settings: cfg.scanSettings(),
		Logger:   appLogger,
	})
	if err != nil {
		appLogger.Error("Failed to select scanning backend", "kind", cfg.Backend.Kind, "error", err)
		return err
	}
	appLogger.Info("Scanning backend selected", "backend", adapter.Name())

	enumerator := devices.NewEnumerator(adapter, appLogger, recorder)
	executor := scan.NewExecutor(adapter, enumerator, scan.Config{
		Timeout:        cfg.scanTimeout(),
		MaxOutputBytes: cfg.maxOutputBytes(),
		SampleImage:    cfg.Demo.SampleImage,
	}, appLogger).WithObserver(recorder)

	if cfg.Storage.Enabled {
		store, err := openStore(cfg.Storage.Path, isService)
		if err != nil {
			// Scanning does not depend on the audit store.
			appLogger.Warn("Scan job audit disabled", "error", err)
		} else {
			defer store.Close()
			appLogger.Info("Scan job audit enabled", "path", store.Path())
			executor.WithAuditor(store)
			go pruneLoop(ctx, store, cfg.Storage.RetentionDays, appLogger)
		}
	} else {
		appLogger.Info("Scan job audit disabled by configuration")
	}

	srv := protocol.New(protocol.Config{
		Listen:         cfg.Server.Listen,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Throttle:       cfg.throttle(),
		Backend:        adapter.Name(),
		Version:        Version,
		MetricsHandler: metrics.Handler(),
		Logs:           appLogger,
	}, enumerator, executor, appLogger).WithObserver(recorder)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case err := <-serveErr:
		if err != nil {
			appLogger.Error("Control channel failed", "listen", cfg.Server.Listen, "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	appLogger.Info("Shutdown signal received, stopping control channel")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.drainTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		appLogger.Warn("Control channel shutdown error", "error", err)
	}
	<-serveErr
	appLogger.Info("ScanBridge stopped")
	return nil
}

// loadConfig resolves the config file (flag, SCANBRIDGE_CONFIG, then search
// paths). It returns defaults with env overrides when no file exists. An
// explicitly named file that fails to load is an error.
func loadConfig(configFlag string) (*BridgeConfig, string, error) {
	if resolved := config.ResolveConfigPath(configFlag); resolved != "" {
		cfg, err := LoadBridgeConfig(resolved)
		if err != nil {
			return nil, "", fmt.Errorf("config %s: %w", resolved, err)
		}
		return cfg, resolved, nil
	}

	if path, _, err := config.FindConfigFile(configFileName); err == nil {
		cfg, err := LoadBridgeConfig(path)
		if err != nil {
			return nil, "", fmt.Errorf("config %s: %w", path, err)
		}
		return cfg, path, nil
	}

	cfg := DefaultBridgeConfig()
	applyEnvOverrides(cfg)
	return cfg, "", nil
}

func openStore(path string, isService bool) (*storage.Store, error) {
	if path == "" {
		dataDir, err := config.GetDataDirectory(isService)
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dataDir, "scanbridge.db")
	}
	return storage.Open(path)
}

// resolveScriptPath anchors relative helper paths at the executable's
// directory so the service works regardless of its working directory.
func resolveScriptPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	exe, err := os.Executable()
	if err != nil {
		return p
	}
	return filepath.Join(filepath.Dir(exe), p)
}

func pruneLoop(ctx context.Context, store *storage.Store, retentionDays int, log *logger.Logger) {
	if retentionDays <= 0 {
		return
	}
	prune := func() {
		cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
		n, err := store.Prune(ctx, cutoff)
		if err != nil {
			log.Warn("Failed to prune scan jobs", "error", err)
			return
		}
		if n > 0 {
			log.Info("Pruned old scan jobs", "count", n, "retention_days", retentionDays)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
