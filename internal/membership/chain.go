// internal/membership/chain.go
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// DefaultMaxChainHops bounds the upline walk when a chain is corrupted
// into a cycle the root sentinel cannot terminate.
const DefaultMaxChainHops = 64

// ProcessNewMember credits the upline of a newly created member. The
// immediate referrer receives direct and team credit; every further
// ancestor up to and including the root receives team credit only.
//
// It must be invoked once per member. It does not deduplicate.
func (s *service) ProcessNewMember(ctx context.Context, memberID uuid.UUID) (*ChainResult, error) {
	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member.IsRoot() {
		return &ChainResult{}, nil
	}

	code := member.ReferrerCode
	if code == "" {
		code = RootCode
		if _, err := s.store.AssignReferrer(ctx, member.ID, RootCode); err != nil {
			return nil, fmt.Errorf("failed to assign root referrer: %w", err)
		}
		s.record(ctx, member.ID, EventReferrerAssigned, ReferrerAssignedEvent{ID: member.ID, ReferrerCode: RootCode})
	}

	result := &ChainResult{ReferrerCode: code}
	credits, broken, err := s.walk(ctx, member, code)
	if err != nil {
		return nil, err
	}
	result.BrokenChain = broken
	if len(credits) == 0 {
		return result, nil
	}

	if err := s.store.ApplyCredits(ctx, credits, s.now()); err != nil {
		return nil, fmt.Errorf("failed to apply chain credits: %w", err)
	}
	for _, c := range credits {
		result.Credited = append(result.Credited, c.MemberID)
	}
	s.metrics.ChainCredited(len(credits))
	s.record(ctx, member.ID, EventUplineCredited, UplineCreditedEvent{ID: member.ID, Credited: result.Credited})
	slog.Info("Credited upline",
		"member_id", member.ID,
		"referrer_code", code,
		"hops", len(credits),
		"broken_chain", broken)
	return result, nil
}

// walk follows referrer codes upward from start and returns the credits
// to apply, in walk order. A missing owner ends the walk and is reported
// as a broken chain rather than an error.
func (s *service) walk(ctx context.Context, member *Member, start string) ([]Credit, bool, error) {
	var credits []Credit
	visited := map[uuid.UUID]bool{member.ID: true}
	code := start

	for hop := 0; hop < s.maxHops; hop++ {
		owner, err := s.store.FindOwnerByCode(ctx, code)
		if errors.Is(err, ErrMemberNotFound) {
			slog.Warn("Referral chain broken", "member_id", member.ID, "code", code, "hop", hop)
			s.metrics.BrokenChain()
			return credits, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to look up owner of %s: %w", code, err)
		}
		if visited[owner.ID] {
			slog.Error("Referral chain cycle detected", "member_id", member.ID, "owner_id", owner.ID, "hop", hop)
			return credits, true, nil
		}
		visited[owner.ID] = true

		credit := Credit{MemberID: owner.ID, Team: 1}
		if hop == 0 {
			credit.Direct = 1
		}
		credits = append(credits, credit)

		if code == RootCode || owner.IsRoot() {
			return credits, false, nil
		}
		if owner.ReferrerCode == "" {
			slog.Warn("Upline member has no referrer", "member_id", member.ID, "owner_id", owner.ID)
			return credits, false, nil
		}
		code = owner.ReferrerCode
	}

	slog.Error("Referral chain exceeded hop limit", "member_id", member.ID, "max_hops", s.maxHops)
	return credits, true, nil
}
