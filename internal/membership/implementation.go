// internal/membership/implementation.go
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"referralnet/internal/auth"
	"referralnet/internal/metrics"
)

const (
	defaultBatchSize         = 200
	defaultRequestsPerMinute = 600
	recentReferralsLimit     = 10
)

// Config carries the tunables of the service.
type Config struct {
	RootMemberID      uuid.UUID
	RootPhone         string
	MaxChainHops      int
	BatchSize         int
	RequestsPerMinute int
}

// Option customises a service instance.
type Option func(*service)

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *service) { s.newCode = gen }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// service implements the Service interface.
type service struct {
	store       Store
	journal     Journal
	notifier    Notifier
	metrics     *metrics.Metrics
	validate    *validator.Validate
	rateLimiter *rate.Limiter
	newCode     func() (string, error)
	now         func() time.Time
	rootID      uuid.UUID
	rootPhone   string
	maxHops     int
	batchSize   int
}

// NewService creates a new membership service instance.
func NewService(store Store, journal Journal, notifier Notifier, m *metrics.Metrics, cfg Config, opts ...Option) Service {
	if journal == nil {
		journal = nopJournal{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.MaxChainHops <= 0 {
		cfg.MaxChainHops = DefaultMaxChainHops
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}

	s := &service{
		store:       store,
		journal:     journal,
		notifier:    notifier,
		metrics:     m,
		validate:    validator.New(),
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute/10+1),
		newCode:     GenerateCode,
		now:         time.Now,
		rootID:      cfg.RootMemberID,
		rootPhone:   cfg.RootPhone,
		maxHops:     cfg.MaxChainHops,
		batchSize:   cfg.BatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap makes sure the platform root exists and owns RootCode.
func (s *service) Bootstrap(ctx context.Context) error {
	if s.rootID == uuid.Nil {
		return fmt.Errorf("%w: root member id is not configured", ErrInvalidArgument)
	}
	now := s.now()
	root := &Member{
		ID:           s.rootID,
		Phone:        s.rootPhone,
		FullName:     "Platform Root",
		ReferralCode: RootCode,
		RoleTier:     RootTier,
		RoleName:     RootRoleName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.EnsureRoot(ctx, root); err != nil {
		return fmt.Errorf("failed to ensure root member: %w", err)
	}
	slog.Info("Root member ready", "member_id", s.rootID, "code", RootCode)
	return nil
}

// RegisterMemberProfile creates the member record for the caller and runs
// the creation trigger.
func (s *service) RegisterMemberProfile(ctx context.Context, reg Registration) error {
	caller, ok := auth.CallerFrom(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if reg.MemberID == uuid.Nil {
		reg.MemberID = caller.Subject
	}
	if reg.MemberID != caller.Subject && !caller.Admin {
		return ErrAdminRequired
	}
	if !s.rateLimiter.Allow() {
		return ErrRateLimited
	}

	reg.Phone = strings.TrimSpace(reg.Phone)
	reg.ReferrerCode = NormalizeCode(reg.ReferrerCode)
	if reg.MemberID == uuid.Nil {
		return fmt.Errorf("%w: member id is required", ErrInvalidArgument)
	}
	if err := s.validate.Struct(reg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if reg.ReferrerCode != "" && reg.ReferrerCode != RootCode && !IsWellFormed(reg.ReferrerCode) {
		return fmt.Errorf("%w: malformed referrer code %q", ErrInvalidArgument, reg.ReferrerCode)
	}

	pinHash, salt, err := hashPIN(reg.PINHash)
	if err != nil {
		return fmt.Errorf("failed to hash pin: %w", err)
	}

	now := s.now()
	member := &Member{
		ID:           reg.MemberID,
		Phone:        reg.Phone,
		FullName:     strings.TrimSpace(reg.Profile.FullName),
		Email:        strings.TrimSpace(reg.Profile.Email),
		City:         strings.TrimSpace(reg.Profile.City),
		ReferrerCode: reg.ReferrerCode,
		RoleName:     BaseRoleName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	credential := &Credential{
		MemberID: member.ID,
		PINHash:  pinHash,
		Salt:     salt,
	}

	err = s.store.CreateMember(ctx, member, credential)
	switch {
	case errors.Is(err, ErrAlreadyRegistered):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, ErrPhoneAlreadyClaimed):
		return err
	case err != nil:
		return fmt.Errorf("failed to create member: %w", err)
	}

	s.metrics.Registered()
	s.record(ctx, member.ID, EventMemberRegistered, MemberRegisteredEvent{
		ID:           member.ID,
		Phone:        member.Phone,
		ReferrerCode: member.ReferrerCode,
	})
	slog.Info("Registered member", "member_id", member.ID, "referrer_code", member.ReferrerCode)

	s.onMemberCreated(context.WithoutCancel(ctx), member.ID)
	return nil
}

// onMemberCreated is the creation trigger: credit the upline once, then
// re-evaluate every credited member. It runs detached from the caller's
// cancellation since the member row is already committed. Failures are
// logged and never retried.
func (s *service) onMemberCreated(ctx context.Context, memberID uuid.UUID) {
	chain, err := s.ProcessNewMember(ctx, memberID)
	if err != nil {
		slog.Error("Chain processing failed", "member_id", memberID, "error", err)
		return
	}
	for _, id := range chain.Credited {
		if _, err := s.EvaluateRole(ctx, id); err != nil {
			slog.Error("Role evaluation failed", "member_id", id, "error", err)
		}
	}
}

// GetReferralStats returns the caller's code, counters and most recent
// direct referrals.
func (s *service) GetReferralStats(ctx context.Context, memberID uuid.UUID) (*Stats, error) {
	if err := authorizeSelf(ctx, memberID); err != nil {
		return nil, err
	}

	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Code:            member.ReferralCode,
		DirectCount:     member.DirectCount,
		TeamCount:       member.TeamCount,
		RoleTier:        member.RoleTier,
		RoleName:        RoleName(member.RoleTier),
		RecentReferrals: []ReferralSummary{},
	}
	if member.ReferralCode == "" {
		return stats, nil
	}

	recent, err := s.store.RecentReferrals(ctx, member.ReferralCode, recentReferralsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent referrals: %w", err)
	}
	if recent != nil {
		stats.RecentReferrals = recent
	}
	return stats, nil
}

// MemberHistory returns the journaled events of a member.
func (s *service) MemberHistory(ctx context.Context, memberID uuid.UUID) ([]JournalEntry, error) {
	if err := authorizeAdmin(ctx); err != nil {
		return nil, err
	}
	if _, err := s.store.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	entries, err := s.journal.History(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member history: %w", err)
	}
	return entries, nil
}

// record journals an event. The journal is an audit trail; a failed write
// never fails the operation that produced the event.
func (s *service) record(ctx context.Context, memberID uuid.UUID, eventType string, payload interface{}) {
	if err := s.journal.Record(ctx, memberID, eventType, payload); err != nil {
		s.metrics.JournalFailed()
		slog.Warn("Failed to journal event", "member_id", memberID, "event_type", eventType, "error", err)
	}
}

func authorizeSelf(ctx context.Context, memberID uuid.UUID) error {
	caller, ok := auth.CallerFrom(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if caller.Subject != memberID && !caller.Admin {
		return ErrAdminRequired
	}
	return nil
}

func authorizeAdmin(ctx context.Context) error {
	caller, ok := auth.CallerFrom(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !caller.Admin {
		return ErrAdminRequired
	}
	return nil
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, uuid.UUID, string, interface{}) error { return nil }
func (nopJournal) History(context.Context, uuid.UUID) ([]JournalEntry, error) {
	return nil, nil
}

type nopNotifier struct{}

func (nopNotifier) Promoted(context.Context, Promotion) {}
