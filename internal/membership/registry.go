// internal/membership/registry.go
package membership

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ReconcileRegistry brings a member's own code and its phone's registry
// entry back in line.
func (s *service) ReconcileRegistry(ctx context.Context, memberID uuid.UUID) (*ReconcileResult, error) {
	if err := authorizeSelf(ctx, memberID); err != nil {
		return nil, err
	}

	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, member)
}

// reconcile applies the registry policy. The order below is total: the
// first matching rule wins, so both sides converge whichever one was
// corrupted.
//
//	(a) both well-formed and equal   -> no-op, restore a lost reservation
//	(b) registry well-formed         -> registry wins, mirror to member
//	(c) member well-formed           -> mirror to registry
//	(d) neither usable               -> allocate fresh, write both
func (s *service) reconcile(ctx context.Context, member *Member) (*ReconcileResult, error) {
	if member.IsRoot() {
		return &ReconcileResult{Code: RootCode, Action: ActionNoop}, nil
	}
	if member.Phone == "" {
		return nil, ErrPhoneMissing
	}

	entry, err := s.store.GetRegistryEntry(ctx, member.Phone)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	registryCode := ""
	if entry != nil {
		registryCode = entry.ReferralCode
	}
	memberCode := member.ReferralCode

	result := &ReconcileResult{}
	switch {
	case IsWellFormed(registryCode) && registryCode == memberCode:
		result.Code = registryCode
		restored, err := s.store.BackfillReservation(ctx, registryCode, member.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to restore reservation: %w", err)
		}
		if !restored {
			result.Action = ActionNoop
			return result, nil
		}
		result.Action = ActionReservationRestored

	case IsWellFormed(registryCode):
		if err := s.store.SetMemberCode(ctx, member.ID, registryCode); err != nil {
			return nil, fmt.Errorf("failed to mirror registry code to member: %w", err)
		}
		result.Code = registryCode
		result.Action = ActionRegistryToMember

	case IsWellFormed(memberCode):
		if err := s.store.SetRegistryCode(ctx, member.Phone, member.ID, memberCode); err != nil {
			return nil, fmt.Errorf("failed to mirror member code to registry: %w", err)
		}
		result.Code = memberCode
		result.Action = ActionMemberToRegistry

	default:
		code, err := s.allocate(ctx, member)
		if err != nil {
			return nil, err
		}
		result.Code = code
		result.Action = ActionRegenerated
	}

	result.Changed = true
	s.metrics.Reconciled(result.Action)
	s.record(ctx, member.ID, EventRegistryReconciled, RegistryReconciledEvent{
		ID:     member.ID,
		Code:   result.Code,
		Action: result.Action,
	})
	slog.Info("Reconciled registry",
		"member_id", member.ID,
		"action", result.Action,
		"code", result.Code,
		"registry_code", registryCode,
		"member_code", memberCode)
	return result, nil
}
