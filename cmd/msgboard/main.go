// Command msgboard is the reconciler's entrypoint (spec section 5): connect
// to the ledger, run startup catch-up and the inconsistency fix pass, then
// drive the event loop, the expiry scheduler, the heartbeat scheduler, and
// the periodic orphan pruner concurrently until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evernest.io/sashimono-agent/internal/config"
	"evernest.io/sashimono-agent/internal/daemonclient"
	"evernest.io/sashimono-agent/internal/expiry"
	"evernest.io/sashimono-agent/internal/haltdetector"
	"evernest.io/sashimono-agent/internal/heartbeat"
	"evernest.io/sashimono-agent/internal/leasestore"
	"evernest.io/sashimono-agent/internal/ledgerclient"
	"evernest.io/sashimono-agent/internal/logger"
	"evernest.io/sashimono-agent/internal/metrics"
	"evernest.io/sashimono-agent/internal/reconciler"
	"evernest.io/sashimono-agent/internal/txqueue"
)

func main() {
	configPath := flag.String("config", "/etc/sashimono/agent.conf.json", "path to agent.conf.json")
	registrationTokenID := flag.Uint64("registration-token-id", 0, "this host's registration token id, for the heartbeat send offset")
	flag.Parse()

	log := logger.New(slog.LevelInfo)

	if err := run(*configPath, *registrationTokenID, log); err != nil {
		log.Error("msgboard: fatal", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, registrationTokenID uint64, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	momentSize := cfg.MomentSize()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	leases, err := leasestore.Open(ctx, cfg.DataDir+"/leases.sqlite")
	if err != nil {
		return fmt.Errorf("open lease store: %w", err)
	}
	defer leases.Close()

	// No example repo in the retrieval pack carries a real XRPL SDK; Mock
	// is ledgerclient's documented stand-in for both tests and a
	// dry-run deployment of this binary. Swapping in a real Client only
	// requires satisfying the ledgerclient.Client interface.
	ledger := ledgerclient.NewMock(
		ledgerclient.Registration{LeaseAmount: cfg.XRPL.LeaseAmount, Version: 1},
		ledgerclient.Moment{Index: 0, Size: momentSize},
	)
	defer ledger.Close()

	daemon := daemonclient.New(cfg.SocketPath)

	queue := txqueue.New(ledger, cfg.XRPL.AffordableExtraFee, log)
	timeline := expiry.NewTimeline()
	halt := haltdetector.New(time.Duration(cfg.HaltTimeoutSeconds)*time.Second, cfg.HaltThresholdPercent)

	svc := reconciler.New(reconciler.Config{
		HostAddress:        cfg.XRPL.Address,
		MomentSize:         momentSize,
		AcquireWindow:      time.Duration(cfg.LeaseAcquireWindowSeconds) * time.Second,
		TotalInstanceCount: int64(cfg.MaxInstanceCount),
		LeaseAmount:        cfg.XRPL.LeaseAmount,
		OrphanPruneEvery:   time.Duration(cfg.OrphanPruneHours) * time.Hour,
	}, leases, ledger, daemon, queue, timeline, halt, log)

	gov, err := heartbeat.OpenGovernance(heartbeat.DefaultGovernancePath(cfg.DataDir))
	if err != nil {
		return fmt.Errorf("open governance file: %w", err)
	}
	hb := heartbeat.NewScheduler(momentSize, registrationTokenID, ledger, gov, log)
	hb.VoteRejected = func(err error) bool {
		return err != nil // any Heartbeat failure while a vote is attached is treated as a rejection of that vote
	}

	reg := metrics.New()
	if cfg.Daemon.MetricsAddr != "" {
		go serveMetrics(cfg.Daemon.MetricsAddr, reg, log)
	}

	log.Info("msgboard: running startup catch-up")
	if err := svc.RunCatchUp(ctx); err != nil {
		log.Error("msgboard: catch-up failed, continuing", "err", err)
	}
	log.Info("msgboard: running inconsistency fix pass")
	if err := svc.RunInconsistencyFix(ctx); err != nil {
		log.Error("msgboard: inconsistency fix failed, continuing", "err", err)
	}

	go func() {
		if err := queue.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("msgboard: tx queue loop exited", "err", err)
		}
	}()

	scheduler := expiry.NewScheduler(timeline, svc, log)
	go func() {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("msgboard: expiry scheduler exited", "err", err)
		}
	}()

	go runHeartbeatLoop(ctx, hb, momentSize, log)
	go runOrphanPrunerLoop(ctx, svc, cfg.OrphanPruneHours, log)
	go pollGauges(ctx, svc, queue, halt, reg)

	log.Info("msgboard: connecting to ledger", "address", cfg.XRPL.Address)
	if err := svc.Run(ctx, hb); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event loop: %w", err)
	}
	log.Info("msgboard: shutting down")
	return nil
}

func serveMetrics(addr string, reg *metrics.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("msgboard: metrics server exited", "err", err)
	}
}

// runHeartbeatLoop sends heartbeats on the moment-relative schedule spec
// section 4.6 defines, recomputing the delay after every send since a send
// always lands in a new moment.
func runHeartbeatLoop(ctx context.Context, hb *heartbeat.Scheduler, momentSize time.Duration, log *slog.Logger) {
	momentStart := time.Now()
	currentMoment := int64(0)
	lastHeartbeatMoment := int64(-1)

	for {
		delay := hb.NextSendDelay(momentStart, currentMoment, lastHeartbeatMoment)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := hb.SendHeartbeat(ctx); err != nil {
			log.Error("msgboard: heartbeat send failed", "err", err)
		}
		lastHeartbeatMoment = currentMoment

		if time.Since(momentStart) >= momentSize {
			elapsed := time.Since(momentStart)
			currentMoment += int64(elapsed / momentSize)
			momentStart = momentStart.Add((elapsed / momentSize) * momentSize)
		}
	}
}

func runOrphanPrunerLoop(ctx context.Context, svc *reconciler.Service, hours int, log *slog.Logger) {
	if hours <= 0 {
		hours = 2
	}
	interval := time.Duration(hours) * time.Hour

	if err := svc.RunOrphanPruner(ctx); err != nil {
		log.Error("msgboard: initial orphan pruner pass failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.RunOrphanPruner(ctx); err != nil {
				log.Error("msgboard: orphan pruner pass failed", "err", err)
			}
		}
	}
}

func pollGauges(ctx context.Context, svc *reconciler.Service, queue *txqueue.Queue, halt *haltdetector.Detector, reg *metrics.Registry) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.ActiveInstances.Set(float64(svc.ActiveCount()))
			reg.QueueDepth.Set(float64(queue.Len()))
			reg.SetHalted(halt.Halted())
		}
	}
}
