// cmd/referral/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"referralnet/internal/app"
	"referralnet/internal/auth"
	"referralnet/internal/config"
	"referralnet/internal/membership"
	"referralnet/internal/metrics"
	"referralnet/internal/notify"
	"referralnet/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}

	backend, err := app.OpenBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer backend.Close()

	redisClient := app.NewRedis(cfg)
	defer redisClient.Close()

	m := metrics.New()
	notifier := notify.NewRedisNotifier(redisClient, cfg.NotificationQueue, cfg.NotificationTimeout, m)
	svc := membership.NewService(backend.Store, backend.Journal, notifier, m, app.ServiceConfig(cfg))
	if err := svc.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap root member: %v", err)
	}

	handler := membership.NewHandler(svc)
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)

	public := chi.NewRouter()
	public.Use(middleware.RequestID)
	public.Use(middleware.Logger)
	public.Use(middleware.Recoverer)
	public.Use(m.Middleware)
	public.Get("/healthz", healthz(backend.Ping))
	public.Handle("/metrics", m.Handler())
	public.Group(func(r chi.Router) {
		r.Use(verifier.Authenticate)
		handler.PublicRoutes(r)
	})

	internal := chi.NewRouter()
	internal.Use(middleware.Logger)
	internal.Use(middleware.Recoverer)
	internal.Use(m.Middleware)
	internal.Get("/healthz", healthz(backend.Ping))
	handler.InternalRoutes(internal)

	servers := []*http.Server{
		{Addr: cfg.PublicAddr, Handler: public},
		{Addr: cfg.InternalAddr, Handler: internal},
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	for _, server := range servers {
		go func(server *http.Server) {
			slog.Info("Starting referral service listener", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("Could not listen on %s: %v", server.Addr, err)
			}
		}(server)
	}

	<-stop
	slog.Info("Shutting down the referral service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown failed", "addr", server.Addr, "error", err)
		}
	}
	if err := notifier.Wait(shutdownCtx); err != nil {
		slog.Warn("Pending notifications abandoned", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("Tracer shutdown failed", "error", err)
	}
	slog.Info("Referral service stopped")
}

func healthz(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}
}
