// internal/membership/domain.go
package membership

import (
	"time"

	"github.com/google/uuid"
)

// Member represents a registered account in the referral graph.
type Member struct {
	ID             uuid.UUID  `json:"id"`
	Phone          string     `json:"phone"`
	FullName       string     `json:"full_name"`
	Email          string     `json:"email,omitempty"`
	City           string     `json:"city,omitempty"`
	ReferralCode   string     `json:"referral_code,omitempty"`
	ReferrerCode   string     `json:"referrer_code,omitempty"`
	DirectCount    int64      `json:"direct_count"`
	TeamCount      int64      `json:"team_count"`
	RoleTier       int        `json:"role_tier"`
	RoleName       string     `json:"role_name"`
	StatsUpdatedAt *time.Time `json:"stats_updated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsRoot reports whether m is the platform root account.
func (m *Member) IsRoot() bool {
	return m.RoleTier >= RootTier || m.ReferralCode == RootCode
}

// Credential holds the server-side hash of a member's PIN.
type Credential struct {
	MemberID uuid.UUID `json:"member_id"`
	PINHash  string    `json:"-"`
	Salt     string    `json:"-"`
}

// CodeReservation records the issuance of a referral code. It is never
// mutated once written.
type CodeReservation struct {
	Code      string    `json:"code"`
	OwnerID   uuid.UUID `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RegistryEntry is the phone-keyed canonical record of a member's code.
type RegistryEntry struct {
	Phone        string    `json:"phone"`
	ReferralCode string    `json:"referral_code,omitempty"`
	ClaimedBy    uuid.UUID `json:"claimed_by"`
	ClaimedAt    time.Time `json:"claimed_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Profile is the free-form part of a registration payload.
type Profile struct {
	FullName string `json:"full_name" validate:"required,min=2,max=120"`
	Email    string `json:"email" validate:"omitempty,email"`
	City     string `json:"city" validate:"omitempty,max=80"`
}

// Registration is the payload accepted by RegisterMemberProfile.
type Registration struct {
	MemberID     uuid.UUID `json:"member_id"`
	Phone        string    `json:"phone" validate:"required,e164"`
	PINHash      string    `json:"pin_hash" validate:"required,min=16"`
	Profile      Profile   `json:"profile"`
	ReferrerCode string    `json:"referrer_code,omitempty"`
}

// Credit is one counter increment produced by a chain walk.
type Credit struct {
	MemberID uuid.UUID
	Direct   int64
	Team     int64
}

// ReferralSummary is a single entry in a member's recent referrals list.
type ReferralSummary struct {
	MemberID uuid.UUID `json:"member_id"`
	FullName string    `json:"full_name"`
	JoinedAt time.Time `json:"joined_at"`
}

// Stats is returned by GetReferralStats.
type Stats struct {
	Code            string            `json:"code"`
	DirectCount     int64             `json:"direct_count"`
	TeamCount       int64             `json:"team_count"`
	RoleTier        int               `json:"role_tier"`
	RoleName        string            `json:"role_name"`
	RecentReferrals []ReferralSummary `json:"recent_referrals"`
}

// ChainResult describes the outcome of ProcessNewMember.
type ChainResult struct {
	ReferrerCode string      `json:"referrer_code"`
	Credited     []uuid.UUID `json:"credited"`
	BrokenChain  bool        `json:"broken_chain"`
}

// RoleResult describes the outcome of EvaluateRole.
type RoleResult struct {
	Promoted bool   `json:"promoted"`
	NewRole  string `json:"new_role,omitempty"`
	Tier     int    `json:"tier"`
}

// Reconcile actions, in policy priority order.
const (
	ActionNoop                = "noop"
	ActionReservationRestored = "reservation_restored"
	ActionRegistryToMember    = "registry_to_member"
	ActionMemberToRegistry    = "member_to_registry"
	ActionRegenerated         = "regenerated"
)

// ReconcileResult describes the outcome of ReconcileRegistry.
type ReconcileResult struct {
	Changed bool   `json:"fixed"`
	Code    string `json:"code"`
	Action  string `json:"action"`
}

// OrphanResult describes the outcome of ResolveOrphans.
type OrphanResult struct {
	Fixed  int `json:"fixed_count"`
	Errors int `json:"errors"`
}

// AuditResult describes the outcome of ReconcileAll.
type AuditResult struct {
	Fixed   int `json:"fixed"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

// Journal event types recorded against the member aggregate.
const (
	EventMemberRegistered   = "MemberRegistered"
	EventReferralCodeIssued = "ReferralCodeIssued"
	EventRegistryReconciled = "RegistryReconciled"
	EventUplineCredited     = "UplineCredited"
	EventRolePromoted       = "RolePromoted"
	EventReferrerAssigned   = "ReferrerAssigned"
)

// MemberRegisteredEvent is journaled when a new member registers.
type MemberRegisteredEvent struct {
	ID           uuid.UUID `json:"id"`
	Phone        string    `json:"phone"`
	ReferrerCode string    `json:"referrer_code,omitempty"`
}

// ReferralCodeIssuedEvent is journaled when a code is attached to a member.
type ReferralCodeIssuedEvent struct {
	ID   uuid.UUID `json:"id"`
	Code string    `json:"code"`
}

// RegistryReconciledEvent is journaled when reconciliation changed a side.
type RegistryReconciledEvent struct {
	ID     uuid.UUID `json:"id"`
	Code   string    `json:"code"`
	Action string    `json:"action"`
}

// UplineCreditedEvent is journaled against the new member whose
// registration produced the credits.
type UplineCreditedEvent struct {
	ID       uuid.UUID   `json:"id"`
	Credited []uuid.UUID `json:"credited"`
}

// RolePromotedEvent is journaled when a member's tier increases.
type RolePromotedEvent struct {
	ID      uuid.UUID `json:"id"`
	OldTier int       `json:"old_tier"`
	NewTier int       `json:"new_tier"`
	NewRole string    `json:"new_role"`
}

// ReferrerAssignedEvent is journaled when an orphan is attached to the root.
type ReferrerAssignedEvent struct {
	ID           uuid.UUID `json:"id"`
	ReferrerCode string    `json:"referrer_code"`
}
