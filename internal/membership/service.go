// internal/membership/service.go
package membership

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Service defines the interface for the referral membership service.
type Service interface {
	RegisterMemberProfile(ctx context.Context, reg Registration) error
	EnsureReferralCode(ctx context.Context, memberID uuid.UUID) (string, error)
	ProcessNewMember(ctx context.Context, memberID uuid.UUID) (*ChainResult, error)
	EvaluateRole(ctx context.Context, memberID uuid.UUID) (*RoleResult, error)
	ResolveOrphans(ctx context.Context) (*OrphanResult, error)
	ReconcileRegistry(ctx context.Context, memberID uuid.UUID) (*ReconcileResult, error)
	ReconcileAll(ctx context.Context) (*AuditResult, error)
	GetReferralStats(ctx context.Context, memberID uuid.UUID) (*Stats, error)
	MemberHistory(ctx context.Context, memberID uuid.UUID) ([]JournalEntry, error)
	Bootstrap(ctx context.Context) error
}

// Store persists members, registry entries and code reservations.
//
// Lookups return ErrMemberNotFound for unknown members. GetRegistryEntry
// returns a nil entry when the phone has never been claimed.
type Store interface {
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	FindOwnerByCode(ctx context.Context, code string) (*Member, error)
	GetRegistryEntry(ctx context.Context, phone string) (*RegistryEntry, error)
	IsCodeReserved(ctx context.Context, code string) (bool, error)

	// CreateMember claims the phone in the registry and inserts the member
	// in one transaction.
	CreateMember(ctx context.Context, m *Member, cred *Credential) error
	// EnsureRoot creates the root member and its RootCode reservation if
	// they do not exist.
	EnsureRoot(ctx context.Context, root *Member) error

	// ReserveCode writes the reservation, the registry code and the
	// member's own code in one transaction and returns the code now held
	// by the registry. If the registry already holds a well-formed code the
	// reservation is abandoned and that code is returned instead.
	ReserveCode(ctx context.Context, res CodeReservation, phone string) (string, error)
	SetMemberCode(ctx context.Context, id uuid.UUID, code string) error
	SetRegistryCode(ctx context.Context, phone string, owner uuid.UUID, code string) error
	// BackfillReservation reserves a code already held by owner and reports
	// whether the reservation was missing.
	BackfillReservation(ctx context.Context, code string, owner uuid.UUID) (bool, error)

	// AssignReferrer sets the referrer code only while it is unset.
	AssignReferrer(ctx context.Context, id uuid.UUID, code string) (bool, error)
	// ApplyCredits applies all increments as one batch of atomic updates.
	ApplyCredits(ctx context.Context, credits []Credit, at time.Time) error
	// PromoteRole updates the tier only while the stored tier is lower.
	PromoteRole(ctx context.Context, id uuid.UUID, tier int, name string) (bool, error)

	ListOrphans(ctx context.Context, after uuid.UUID, limit int) ([]Member, error)
	ListMembers(ctx context.Context, after uuid.UUID, limit int) ([]Member, error)
	RecentReferrals(ctx context.Context, code string, limit int) ([]ReferralSummary, error)
}

// JournalEntry is one recorded member event.
type JournalEntry struct {
	Type      string          `json:"type"`
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Journal keeps the per-member event history.
type Journal interface {
	Record(ctx context.Context, memberID uuid.UUID, eventType string, payload interface{}) error
	History(ctx context.Context, memberID uuid.UUID) ([]JournalEntry, error)
}

// Promotion is handed to the Notifier after a tier increase.
type Promotion struct {
	MemberID uuid.UUID `json:"member_id"`
	Phone    string    `json:"phone"`
	FullName string    `json:"full_name"`
	OldTier  int       `json:"old_tier"`
	NewTier  int       `json:"new_tier"`
	RoleName string    `json:"role_name"`
	At       time.Time `json:"at"`
}

// Notifier delivers promotion notices. Implementations must not block
// the caller and must not report delivery failures back to it.
type Notifier interface {
	Promoted(ctx context.Context, p Promotion)
}
