package postgres

import (
	"context"
	"fmt"

	"referralnet/internal/membership"
	"referralnet/internal/probe"
)

// InvariantProbes returns the data invariants checked after each sweep.
func (s *Store) InvariantProbes() []probe.Probe {
	return []probe.Probe{
		{
			Name:        "orphans",
			Description: "Non-root members without a referrer",
			Query: s.count(`
				SELECT COUNT(*) FROM members
				WHERE (referrer_code IS NULL OR referrer_code = '')
				  AND role_tier < $1
				  AND COALESCE(referral_code, '') <> $2
			`, membership.RootTier, membership.RootCode),
			Threshold: probe.Zero,
		},
		{
			Name:        "registry_divergence",
			Description: "Registry entries whose code differs from the member's own code",
			Query: s.count(`
				SELECT COUNT(*) FROM members m
				JOIN phone_registry r ON r.phone = m.phone
				WHERE m.role_tier < $1
				  AND r.referral_code IS DISTINCT FROM m.referral_code
			`, membership.RootTier),
			Threshold: probe.Zero,
		},
		{
			Name:        "unreserved_codes",
			Description: "Member codes without a reservation",
			Query: s.count(`
				SELECT COUNT(*) FROM members m
				LEFT JOIN code_reservations c ON c.code = m.referral_code
				WHERE m.referral_code IS NOT NULL AND c.code IS NULL
			`),
			Threshold: probe.Zero,
		},
		{
			Name:        "counter_anomalies",
			Description: "Members with negative counters or more direct than team credit",
			Query: s.count(`
				SELECT COUNT(*) FROM members
				WHERE direct_count < 0 OR team_count < 0 OR direct_count > team_count
			`),
			Threshold: probe.Zero,
		},
	}
}

func (s *Store) count(query string, args ...interface{}) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		var n int64
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("run probe: %w", err)
		}
		return float64(n), nil
	}
}
