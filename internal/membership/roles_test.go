package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestEligibleRole(t *testing.T) {
	tests := []struct {
		name   string
		direct int64
		team   int64
		tier   int
		ok     bool
	}{
		{"nothing", 0, 0, 0, false},
		{"direct without team", 1, 2, 0, false},
		{"associate", 1, 3, 1, true},
		{"team alone is not enough", 2, 1000, 1, true},
		{"builder", 3, 15, 2, true},
		{"leader", 5, 50, 3, true},
		{"gold", 30, 500, 6, true},
		{"crown", 100, 5000, 9, true},
		{"crown overshoot", 1000, 100000, 9, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, ok := EligibleRole(tt.direct, tt.team)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.tier, row.Tier)
		})
	}
}

func TestRoleThresholdsOrdered(t *testing.T) {
	for i := 1; i < len(RoleThresholds); i++ {
		prev, cur := RoleThresholds[i-1], RoleThresholds[i]
		assert.Greater(t, prev.Tier, cur.Tier)
		assert.GreaterOrEqual(t, prev.MinDirect, cur.MinDirect)
		assert.GreaterOrEqual(t, prev.MinTeam, cur.MinTeam)
	}
}

func TestRoleName(t *testing.T) {
	assert.Equal(t, BaseRoleName, RoleName(0))
	assert.Equal(t, "Associate", RoleName(1))
	assert.Equal(t, "Crown Ambassador", RoleName(9))
	assert.Equal(t, RootRoleName, RoleName(RootTier))
}

// Counters only grow, so the eligible tier must never shrink as they do.
func TestEligibleRoleMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		direct := rapid.Int64Range(0, 200).Draw(t, "direct")
		team := rapid.Int64Range(direct, 10000).Draw(t, "team")
		addDirect := rapid.Int64Range(0, 50).Draw(t, "addDirect")
		addTeam := rapid.Int64Range(addDirect, 5000).Draw(t, "addTeam")

		before, _ := EligibleRole(direct, team)
		after, _ := EligibleRole(direct+addDirect, team+addTeam)
		if after.Tier < before.Tier {
			t.Fatalf("tier dropped from %d to %d", before.Tier, after.Tier)
		}
	})
}
