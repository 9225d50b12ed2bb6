// internal/membership/codes.go
package membership

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	// CodePrefix is shared by every generated referral code.
	CodePrefix = "TAL"
	// CodeSuffixLen is the number of random characters after the prefix.
	CodeSuffixLen = 6
	// RootCode is the reserved literal owned by the platform root. It is
	// never generated and is exempt from the format check.
	RootCode = "ADMIN"
	// MaxCodeAttempts bounds the generate-and-check loop.
	MaxCodeAttempts = 10
)

// codeAlphabet omits I, O, 0 and 1.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// IsWellFormed reports whether code has the referral code shape: the
// fixed prefix followed by CodeSuffixLen uppercase alphanumerics. Codes
// issued before the restricted alphabet existed may contain any of
// [A-Z0-9] and remain valid.
func IsWellFormed(code string) bool {
	if len(code) != len(CodePrefix)+CodeSuffixLen || !strings.HasPrefix(code, CodePrefix) {
		return false
	}
	for _, c := range code[len(CodePrefix):] {
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// NormalizeCode trims and upper-cases user supplied codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateCode returns a fresh candidate code drawn from the restricted
// alphabet using crypto/rand.
func GenerateCode() (string, error) {
	var b strings.Builder
	b.Grow(len(CodePrefix) + CodeSuffixLen)
	b.WriteString(CodePrefix)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeSuffixLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// EnsureReferralCode returns the caller's referral code, issuing one if
// needed. Repeated calls return the same code.
func (s *service) EnsureReferralCode(ctx context.Context, memberID uuid.UUID) (string, error) {
	if err := authorizeSelf(ctx, memberID); err != nil {
		return "", err
	}
	if !s.rateLimiter.Allow() {
		return "", ErrRateLimited
	}

	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return "", err
	}
	if member.IsRoot() {
		return RootCode, nil
	}
	if member.Phone == "" {
		return "", ErrPhoneMissing
	}

	entry, err := s.store.GetRegistryEntry(ctx, member.Phone)
	if err != nil {
		return "", fmt.Errorf("failed to read registry: %w", err)
	}

	// The registry is the authority during recovery.
	if entry != nil && IsWellFormed(entry.ReferralCode) {
		if member.ReferralCode != entry.ReferralCode {
			if err := s.store.SetMemberCode(ctx, member.ID, entry.ReferralCode); err != nil {
				return "", fmt.Errorf("failed to mirror registry code: %w", err)
			}
			s.metrics.Reconciled(ActionRegistryToMember)
		}
		return entry.ReferralCode, nil
	}
	if IsWellFormed(member.ReferralCode) {
		if err := s.store.SetRegistryCode(ctx, member.Phone, member.ID, member.ReferralCode); err != nil {
			return "", fmt.Errorf("failed to mirror member code: %w", err)
		}
		s.metrics.Reconciled(ActionMemberToRegistry)
		return member.ReferralCode, nil
	}

	return s.allocate(ctx, member)
}

// allocate generates, reserves and attaches a new code for member. The
// reservation, registry entry and member field are written together.
func (s *service) allocate(ctx context.Context, member *Member) (string, error) {
	for attempt := 1; attempt <= MaxCodeAttempts; attempt++ {
		candidate, err := s.newCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}

		taken, err := s.store.IsCodeReserved(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check reservation: %w", err)
		}
		if taken {
			s.metrics.CodeCollision()
			continue
		}

		code, err := s.store.ReserveCode(ctx, CodeReservation{
			Code:      candidate,
			OwnerID:   member.ID,
			CreatedAt: s.now(),
		}, member.Phone)
		if errors.Is(err, ErrCodeTaken) {
			s.metrics.CodeCollision()
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to reserve code: %w", err)
		}

		if code == candidate {
			s.metrics.CodeIssued()
			s.record(ctx, member.ID, EventReferralCodeIssued, ReferralCodeIssuedEvent{ID: member.ID, Code: code})
			slog.Info("Issued referral code", "member_id", member.ID, "code", code, "attempt", attempt)
		}
		return code, nil
	}

	slog.Error("Referral code generation exhausted", "member_id", member.ID, "attempts", MaxCodeAttempts)
	return "", ErrCodeSpaceExhausted
}
