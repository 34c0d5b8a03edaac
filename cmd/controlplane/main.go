// Command controlplane is the GarageSwarm control plane: it wires the
// Store, Coordinator, WorkerRegistry, Decomposer, Allocator, Scheduler,
// CheckpointEngine, ReviewCoordinator, ResultIngest, WorkerChannel, and
// HTTP API into one running process, the way the teacher's
// services/orchestrator/main.go wires its own dependencies.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/markl-a/GarageSwarm-sub000/internal/allocator"
	"github.com/markl-a/GarageSwarm-sub000/internal/checkpoint"
	"github.com/markl-a/GarageSwarm-sub000/internal/config"
	"github.com/markl-a/GarageSwarm-sub000/internal/coordinator"
	"github.com/markl-a/GarageSwarm-sub000/internal/decomposer"
	"github.com/markl-a/GarageSwarm-sub000/internal/httpapi"
	"github.com/markl-a/GarageSwarm-sub000/internal/ingest"
	"github.com/markl-a/GarageSwarm-sub000/internal/logging"
	"github.com/markl-a/GarageSwarm-sub000/internal/otelinit"
	"github.com/markl-a/GarageSwarm-sub000/internal/registry"
	"github.com/markl-a/GarageSwarm-sub000/internal/review"
	"github.com/markl-a/GarageSwarm-sub000/internal/scheduler"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
	"github.com/markl-a/GarageSwarm-sub000/internal/workerchannel"
)

func main() {
	const service = "controlplane"
	logger := logging.Init(service)
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	if err := os.MkdirAll(cfg.BoltDBPath, 0755); err != nil {
		logger.Error("create boltdb directory", "error", err)
		return
	}
	meter := otel.GetMeterProvider().Meter(service)
	st, err := store.Open(cfg.BoltDBPath, meter)
	if err != nil {
		logger.Error("open store", "error", err)
		return
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	coord := coordinator.New(rdb)

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Warn("nats connect failed, event-driven dispatch disabled", "error", err)
		nc = nil
	} else {
		defer nc.Close()
	}

	reg := registry.New(st, coord, cfg.HeartbeatInterval)
	dec := decomposer.New(st)
	alloc := allocator.New(
		st, coord,
		allocator.Weights{ToolMatch: cfg.AllocatorWeightToolMatch, Resources: cfg.AllocatorWeightResources, Privacy: cfg.AllocatorWeightPrivacy},
		allocator.ResourceThresholds{CPUHigh: cfg.ResourceThresholdCPUHigh, MemHigh: cfg.ResourceThresholdMemHigh, DiskHigh: cfg.ResourceThresholdDiskHigh},
		cfg.MaxSubtasksPerWorker,
	)
	sched := scheduler.New(st, coord, alloc, nc, logger, cfg.SchedulerInterval, cfg.MaxConcurrentSubtasks, int64(cfg.MaxQueueAllocationAttempts))
	cp := checkpoint.New(st, coord, checkpoint.Config{
		SubtaskInterval:         cfg.CheckpointSubtaskInterval,
		MaxCorrectionCycles:     cfg.CheckpointMaxCorrectionCycles,
		TimeoutHours:            cfg.CheckpointTimeoutHours,
		EvaluationThreshold:     cfg.EvaluationThreshold,
		EnableErrorTrigger:      cfg.CheckpointEnableErrorTrigger,
		EnableEvaluationTrigger: cfg.CheckpointEnableEvaluationTrigger,
		EnablePeriodicTrigger:   cfg.CheckpointEnablePeriodicTrigger,
		EnableTimeoutTrigger:    cfg.CheckpointEnableTimeoutTrigger,
	})
	rev := review.New(st, review.Config{ScoreThreshold: cfg.ReviewScoreThreshold, MaxFixCycles: cfg.MaxFixCycles})
	in := ingest.New(st, coord, alloc, sched, rev, cp)
	hub := workerchannel.NewHub(coord, reg, in, logger)
	auth := httpapi.NewBearerAuth(cfg.JWTSigningKey, reg)

	if err := sched.Start(ctx); err != nil {
		logger.Error("start scheduler", "error", err)
		return
	}
	defer sched.Stop()

	go reapOfflineLoop(ctx, reg, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, logger)

	srv := httpapi.New(st, coord, reg, dec, alloc, cp, in, hub, logger, promHandler, auth)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Router()}
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
}

// reapOfflineLoop periodically marks workers offline once they've missed
// heartbeatTimeout, catching what a worker's own disconnect never reports.
func reapOfflineLoop(ctx context.Context, reg *registry.Registry, interval, heartbeatTimeout time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reg.ReapOffline(ctx, heartbeatTimeout)
			if err != nil {
				logger.Warn("reap offline workers failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("reaped offline workers", "count", n)
			}
		}
	}
}
