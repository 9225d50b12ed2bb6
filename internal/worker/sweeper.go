package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"referralnet/internal/auth"
	"referralnet/internal/membership"
	"referralnet/internal/metrics"
	"referralnet/internal/probe"
)

const (
	DefaultLockKey  = "referralnet:sweeper:lock"
	defaultInterval = time.Hour
	defaultLockTTL  = 10 * time.Minute
)

// Sweep outcomes reported to metrics.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Locker is the subset of Redis commands used for the sweep lock.
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Config tunes a Sweeper.
type Config struct {
	Interval time.Duration
	LockTTL  time.Duration
	LockKey  string
}

// Result is the outcome of one sweep.
type Result struct {
	Skipped bool                     `json:"skipped"`
	Orphans *membership.OrphanResult `json:"orphans,omitempty"`
	Audit   *membership.AuditResult  `json:"audit,omitempty"`
	Report  *probe.Report            `json:"report,omitempty"`
}

// Sweeper periodically attaches orphans, reconciles every member and then
// checks the data invariants. A Redis lock keeps replicas from sweeping
// at the same time.
type Sweeper struct {
	service   membership.Service
	evaluator *probe.Evaluator
	locker    Locker
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	interval  time.Duration
	lockTTL   time.Duration
	lockKey   string
	owner     string
}

// NewSweeper creates a sweeper. A nil locker runs every sweep unguarded;
// a nil evaluator skips the invariant checks.
func NewSweeper(svc membership.Service, evaluator *probe.Evaluator, locker Locker, m *metrics.Metrics, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultLockKey
	}
	return &Sweeper{
		service:   svc,
		evaluator: evaluator,
		locker:    locker,
		metrics:   m,
		tracer:    otel.Tracer("referralnet/worker"),
		interval:  cfg.Interval,
		lockTTL:   cfg.LockTTL,
		lockKey:   cfg.LockKey,
		owner:     uuid.NewString(),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("Sweeper started", "interval", s.interval)

	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Sweep failed", "error", err)
	}
}

// RunOnce performs a single sweep if the lock can be taken.
func (s *Sweeper) RunOnce(ctx context.Context) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "worker.sweep")
	defer span.End()

	acquired, err := s.acquire(ctx)
	if err != nil {
		s.metrics.SweepCompleted(OutcomeFailed)
		span.RecordError(err)
		return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !acquired {
		s.metrics.SweepCompleted(OutcomeSkipped)
		span.SetAttributes(attribute.Bool("skipped", true))
		slog.Info("Sweep skipped, another replica holds the lock")
		return &Result{Skipped: true}, nil
	}
	defer s.release(ctx)

	start := time.Now()
	ctx = auth.WithCaller(ctx, auth.System())
	result := &Result{}

	result.Orphans, err = s.service.ResolveOrphans(ctx)
	if err != nil {
		s.metrics.SweepCompleted(OutcomeFailed)
		span.RecordError(err)
		return result, fmt.Errorf("orphan resolution failed: %w", err)
	}

	result.Audit, err = s.service.ReconcileAll(ctx)
	if err != nil {
		s.metrics.SweepCompleted(OutcomeFailed)
		span.RecordError(err)
		return result, fmt.Errorf("reconciliation failed: %w", err)
	}

	if s.evaluator != nil {
		report := s.evaluator.Run(ctx)
		result.Report = &report
		if !report.Healthy {
			slog.Warn("Invariants violated after sweep", "violations", len(report.Violations))
		}
	}

	s.metrics.SweepCompleted(OutcomeOK)
	span.SetAttributes(
		attribute.Int("orphans.fixed", result.Orphans.Fixed),
		attribute.Int("audit.fixed", result.Audit.Fixed),
	)
	slog.Info("Sweep completed",
		"orphans_fixed", result.Orphans.Fixed,
		"audit_fixed", result.Audit.Fixed,
		"audit_errors", result.Audit.Errors,
		"duration", time.Since(start))
	return result, nil
}

func (s *Sweeper) acquire(ctx context.Context) (bool, error) {
	if s.locker == nil {
		return true, nil
	}
	return s.locker.SetNX(ctx, s.lockKey, s.owner, s.lockTTL).Result()
}

// release drops the lock only while this sweeper still owns it.
func (s *Sweeper) release(ctx context.Context) {
	if s.locker == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	holder, err := s.locker.Get(ctx, s.lockKey).Result()
	if errors.Is(err, redis.Nil) {
		return
	}
	if err != nil {
		slog.Warn("Failed to read sweep lock", "error", err)
		return
	}
	if holder != s.owner {
		slog.Warn("Sweep lock expired before the sweep finished", "holder", holder)
		return
	}
	if err := s.locker.Del(ctx, s.lockKey).Err(); err != nil {
		slog.Warn("Failed to release sweep lock", "error", err)
	}
}
