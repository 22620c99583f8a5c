// Command sashimonod is the lifecycle daemon's entrypoint (spec section
// 4.1): run the system-ready preflight, open the instance store, seed the
// port allocator from it, wire the container runtime and OS-user
// installer, then serve the Unix domain socket until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"evernest.io/sashimono-agent/internal/config"
	"evernest.io/sashimono-agent/internal/containerruntime"
	"evernest.io/sashimono-agent/internal/daemon"
	"evernest.io/sashimono-agent/internal/instancestore"
	"evernest.io/sashimono-agent/internal/logger"
	"evernest.io/sashimono-agent/internal/metrics"
	"evernest.io/sashimono-agent/internal/osuser"
	"evernest.io/sashimono-agent/internal/ports"
)

func main() {
	configPath := flag.String("config", "/etc/sashimono/agent.conf.json", "path to agent.conf.json")
	flag.Parse()

	log := logger.New(slog.LevelInfo)

	if err := run(*configPath, log); err != nil {
		log.Error("sashimonod: fatal", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := daemon.CheckSystemReady(daemon.PreflightConfig{
		CgroupRulesService: cfg.Daemon.CgroupRulesService,
		CgroupCPUMount:     cfg.Daemon.CgroupCPUMount,
		CgroupMemoryMount:  cfg.Daemon.CgroupMemoryMount,
		CgroupRulesFile:    cfg.Daemon.CgroupRulesFile,
		SashiUser:          cfg.Daemon.SashiUser,
		RebootRequiredFile: cfg.Daemon.RebootRequiredFile,
	}); err != nil {
		return fmt.Errorf("system not ready: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := instancestore.Open(ctx, filepath.Join(cfg.DataDir, "instances.sqlite"))
	if err != nil {
		return fmt.Errorf("open instance store: %w", err)
	}
	defer store.Close()

	assigned, err := store.AssignedPeerPorts(ctx, nil)
	if err != nil {
		return fmt.Errorf("scan assigned ports: %w", err)
	}
	maxPorts, hasAny, err := store.MaxPorts(ctx, nil)
	if err != nil {
		return fmt.Errorf("scan max ports: %w", err)
	}
	allocator := ports.NewAllocator(ports.Config{
		InitialPeerPort: cfg.InitPeerPort,
		UserOffset:      cfg.InitUserPort - cfg.InitPeerPort,
		GPTCPOffset:     cfg.InitGPTCPPort - cfg.InitPeerPort,
		GPUDPOffset:     cfg.InitGPUDPPort - cfg.InitPeerPort,
	}, assigned, maxPorts, hasAny)

	runtime, err := containerruntime.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("connect to container runtime: %w", err)
	}

	installer := osuser.New(cfg.Daemon.InstallScript, cfg.Daemon.UninstallScript)

	svc := &daemon.Service{
		Store:            store,
		Allocator:        allocator,
		Runtime:          runtime,
		Installer:        installer,
		Logger:           log,
		MaxInstanceCount: cfg.MaxInstanceCount,
		ContractBaseDir:  cfg.Daemon.ContractBaseDir,
		TemplateDir:      cfg.Daemon.ContractTemplate,
		HostIP:           cfg.Daemon.HostIP,
		Registry:         cfg.Daemon.DockerRegistry,
		Limits: daemon.ResourceLimits{
			MaxCPUMicros:  cfg.Daemon.MaxCPUMicros,
			MaxMemKBytes:  cfg.Daemon.MaxMemKBytes,
			MaxSwapKBytes: cfg.Daemon.MaxSwapKBytes,
			StorageKBytes: cfg.Daemon.StorageKBytes,
		},
	}

	reg := metrics.New()
	if cfg.Daemon.MetricsAddr != "" {
		go serveMetrics(cfg.Daemon.MetricsAddr, reg, log)
	}
	go pollVacantPorts(ctx, allocator, reg)

	server := daemon.New(cfg.SocketPath, cfg.Daemon.SocketGroup, svc, log)
	if err := server.Listen(); err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	defer server.Shutdown(context.Background())

	log.Info("sashimonod: listening", "socket", cfg.SocketPath, "max_instance_count", cfg.MaxInstanceCount)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("sashimonod: shutting down")
	return nil
}

func serveMetrics(addr string, reg *metrics.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("sashimonod: metrics server exited", "err", err)
	}
}

func pollVacantPorts(ctx context.Context, allocator *ports.Allocator, reg *metrics.Registry) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.VacantPorts.Set(float64(allocator.VacantCount()))
		}
	}
}
