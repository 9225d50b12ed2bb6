package memstore

import (
	"context"

	"referralnet/internal/membership"
	"referralnet/internal/probe"
)

// InvariantProbes returns the same invariants the Postgres store checks,
// computed over the in-memory tables.
func (s *Store) InvariantProbes() []probe.Probe {
	return []probe.Probe{
		{
			Name:        "orphans",
			Description: "Non-root members without a referrer",
			Query: s.count(func(m *membership.Member) bool {
				return m.ReferrerCode == "" && !m.IsRoot()
			}),
			Threshold: probe.Zero,
		},
		{
			Name:        "registry_divergence",
			Description: "Registry entries whose code differs from the member's own code",
			Query: s.count(func(m *membership.Member) bool {
				e, ok := s.registry[m.Phone]
				return ok && m.RoleTier < membership.RootTier && e.ReferralCode != m.ReferralCode
			}),
			Threshold: probe.Zero,
		},
		{
			Name:        "unreserved_codes",
			Description: "Member codes without a reservation",
			Query: s.count(func(m *membership.Member) bool {
				_, ok := s.reservations[m.ReferralCode]
				return m.ReferralCode != "" && !ok
			}),
			Threshold: probe.Zero,
		},
		{
			Name:        "counter_anomalies",
			Description: "Members with negative counters or more direct than team credit",
			Query: s.count(func(m *membership.Member) bool {
				return m.DirectCount < 0 || m.TeamCount < 0 || m.DirectCount > m.TeamCount
			}),
			Threshold: probe.Zero,
		},
	}
}

// count runs match over every member with the store lock held.
func (s *Store) count(match func(*membership.Member) bool) func(context.Context) (float64, error) {
	return func(context.Context) (float64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		var n int
		for _, m := range s.members {
			if match(m) {
				n++
			}
		}
		return float64(n), nil
	}
}
