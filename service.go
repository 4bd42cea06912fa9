package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// serviceStopMargin covers logger and store teardown after the drain.
const serviceStopMargin = 5 * time.Second

// program implements service.Interface
type program struct {
	configPath  string
	stopTimeout time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	svcLogger   service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("ScanBridge service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if err := runBridge(p.ctx, p.configPath, true); err != nil && p.svcLogger != nil {
		p.svcLogger.Error(fmt.Sprintf("ScanBridge stopped with error: %v", err))
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("ScanBridge service stop requested")
	}
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("ScanBridge service stopped gracefully")
		}
	case <-time.After(p.stopTimeout):
		if p.svcLogger != nil {
			p.svcLogger.Warning("ScanBridge service stopped with timeout")
		}
	}
	return nil
}

// serviceStopTimeout is how long Stop waits for runBridge. It follows the
// configured scan timeout so an in-flight scan can finish or time out.
func serviceStopTimeout(configPath string) time.Duration {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		cfg = DefaultBridgeConfig()
	}
	return cfg.drainTimeout() + serviceStopMargin
}

// serviceWorkingDir is the data directory used when running as a service.
func serviceWorkingDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "ScanBridge")
	case "darwin":
		return "/Library/Application Support/ScanBridge"
	default:
		return "/var/lib/scanbridge"
	}
}

// getServiceConfig returns the service configuration for the current platform
func getServiceConfig(configPath string) *service.Config {
	args := []string{"--service", "run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	return &service.Config{
		Name:             "ScanBridge",
		DisplayName:      "ScanBridge",
		Description:      "Local scanner bridge. Exposes WIA/SANE scanners to web applications over a loopback WebSocket.",
		WorkingDirectory: serviceWorkingDir(),
		Arguments:        args,
		Option: service.KeyValue{
			// Windows
			"StartType":              "automatic",
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// systemd
			"Restart":    "on-failure",
			"RestartSec": 5,
			"KillSignal": "SIGTERM",

			// launchd
			"RunAtLoad": true,
			"KeepAlive": true,
		},
	}
}

// handleServiceCommand processes service install/uninstall/start/stop/run
func handleServiceCommand(cmd, configPath string) error {
	prg := &program{configPath: configPath, stopTimeout: serviceStopTimeout(configPath)}
	s, err := service.New(prg, getServiceConfig(configPath))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	switch cmd {
	case "install":
		if err := os.MkdirAll(serviceWorkingDir(), 0o755); err != nil {
			return fmt.Errorf("failed to create service directory: %w", err)
		}
		if err := s.Install(); err != nil {
			return fmt.Errorf("failed to install service: %w", err)
		}
		fmt.Println("ScanBridge service installed. Use '--service start' to start it.")
	case "uninstall":
		if err := s.Uninstall(); err != nil {
			return fmt.Errorf("failed to uninstall service: %w", err)
		}
		fmt.Println("ScanBridge service uninstalled")
	case "start":
		if err := s.Start(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
		fmt.Println("ScanBridge service started")
	case "stop":
		if err := s.Stop(); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
		fmt.Println("ScanBridge service stopped")
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command %q (valid: install, uninstall, start, stop, run)", cmd)
	}
	return nil
}
