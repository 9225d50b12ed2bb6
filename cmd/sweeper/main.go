// cmd/sweeper/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"referralnet/internal/app"
	"referralnet/internal/config"
	"referralnet/internal/membership"
	"referralnet/internal/metrics"
	"referralnet/internal/notify"
	"referralnet/internal/probe"
	"referralnet/internal/telemetry"
	"referralnet/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep, print the result and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName+"-sweeper", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	backend, err := app.OpenBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer backend.Close()

	redisClient := app.NewRedis(cfg)
	defer redisClient.Close()

	m := metrics.New()
	notifier := notify.NewRedisNotifier(redisClient, cfg.NotificationQueue, cfg.NotificationTimeout, m)
	defer notifier.Wait(context.Background())

	svc := membership.NewService(backend.Store, backend.Journal, notifier, m, app.ServiceConfig(cfg))
	if err := svc.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap root member: %v", err)
	}

	sweeper := worker.NewSweeper(svc, probe.NewEvaluator(m, backend.Probes...), redisClient, m, worker.Config{
		Interval: cfg.SweepInterval,
		LockTTL:  cfg.SweepLockTTL,
	})

	if *once {
		result, err := sweeper.RunOnce(ctx)
		if err != nil {
			slog.Error("Sweep failed", "error", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
		if result.Report != nil && !result.Report.Healthy {
			os.Exit(2)
		}
		return
	}

	if err := sweeper.Run(ctx); err != nil {
		slog.Error("Sweeper exited", "error", err)
	}
}
