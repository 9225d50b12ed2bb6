// internal/membership/roles.go
package membership

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

const (
	// RootTier is held only by the platform root and is never evaluated.
	RootTier = 100
	// RootRoleName is the role name of the platform root.
	RootRoleName = "Admin"
	// BaseRoleName is held by members below the first threshold.
	BaseRoleName = "Member"
)

// RoleThreshold is one row of the promotion table.
type RoleThreshold struct {
	Tier      int
	Name      string
	MinDirect int64
	MinTeam   int64
}

// RoleThresholds is ordered by descending tier.
var RoleThresholds = []RoleThreshold{
	{Tier: 9, Name: "Crown Ambassador", MinDirect: 100, MinTeam: 5000},
	{Tier: 8, Name: "Diamond", MinDirect: 75, MinTeam: 2500},
	{Tier: 7, Name: "Platinum", MinDirect: 50, MinTeam: 1000},
	{Tier: 6, Name: "Gold", MinDirect: 30, MinTeam: 500},
	{Tier: 5, Name: "Silver", MinDirect: 20, MinTeam: 250},
	{Tier: 4, Name: "Bronze", MinDirect: 10, MinTeam: 100},
	{Tier: 3, Name: "Leader", MinDirect: 5, MinTeam: 50},
	{Tier: 2, Name: "Builder", MinDirect: 3, MinTeam: 15},
	{Tier: 1, Name: "Associate", MinDirect: 1, MinTeam: 3},
}

// EligibleRole returns the highest threshold met by the given counters,
// or false when none is met.
func EligibleRole(direct, team int64) (RoleThreshold, bool) {
	for _, row := range RoleThresholds {
		if direct >= row.MinDirect && team >= row.MinTeam {
			return row, true
		}
	}
	return RoleThreshold{}, false
}

// RoleName returns the name for tier.
func RoleName(tier int) string {
	if tier >= RootTier {
		return RootRoleName
	}
	for _, row := range RoleThresholds {
		if row.Tier == tier {
			return row.Name
		}
	}
	return BaseRoleName
}

// EvaluateRole promotes a member whose counters crossed a higher
// threshold. Tiers never decrease.
func (s *service) EvaluateRole(ctx context.Context, memberID uuid.UUID) (*RoleResult, error) {
	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	result := &RoleResult{Tier: member.RoleTier}
	if member.RoleTier >= RootTier {
		return result, nil
	}

	row, ok := EligibleRole(member.DirectCount, member.TeamCount)
	if !ok || row.Tier <= member.RoleTier {
		return result, nil
	}

	// The store only applies the update while the stored tier is lower, so
	// a concurrent evaluation that already promoted further is left alone.
	updated, err := s.store.PromoteRole(ctx, member.ID, row.Tier, row.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to promote member: %w", err)
	}
	if !updated {
		return result, nil
	}

	result.Promoted = true
	result.NewRole = row.Name
	result.Tier = row.Tier

	s.metrics.Promoted(row.Name)
	s.record(ctx, member.ID, EventRolePromoted, RolePromotedEvent{
		ID:      member.ID,
		OldTier: member.RoleTier,
		NewTier: row.Tier,
		NewRole: row.Name,
	})
	s.notifier.Promoted(ctx, Promotion{
		MemberID: member.ID,
		Phone:    member.Phone,
		FullName: member.FullName,
		OldTier:  member.RoleTier,
		NewTier:  row.Tier,
		RoleName: row.Name,
		At:       s.now(),
	})
	slog.Info("Promoted member", "member_id", member.ID, "old_tier", member.RoleTier, "new_tier", row.Tier, "role", row.Name)
	return result, nil
}
