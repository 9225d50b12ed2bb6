package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referralnet/internal/membership"
	"referralnet/internal/probe"
)

func newMember(phone string) *membership.Member {
	now := time.Now().UTC()
	return &membership.Member{
		ID:        uuid.New(),
		Phone:     phone,
		FullName:  "Test Member",
		RoleName:  membership.BaseRoleName,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateMemberClaimsPhone(t *testing.T) {
	ctx := context.Background()
	s := New()
	first := newMember("+15550001111")

	require.NoError(t, s.CreateMember(ctx, first, &membership.Credential{MemberID: first.ID}))

	entry, err := s.GetRegistryEntry(ctx, first.Phone)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, first.ID, entry.ClaimedBy)

	assert.ErrorIs(t, s.CreateMember(ctx, first, nil), membership.ErrAlreadyRegistered)
	assert.ErrorIs(t, s.CreateMember(ctx, newMember(first.Phone), nil), membership.ErrPhoneAlreadyClaimed)
}

func TestReserveCode(t *testing.T) {
	ctx := context.Background()

	t.Run("writes all three places", func(t *testing.T) {
		s := New()
		m := newMember("+15550001111")
		require.NoError(t, s.CreateMember(ctx, m, nil))

		code, err := s.ReserveCode(ctx, membership.CodeReservation{Code: "TALABC234", OwnerID: m.ID}, m.Phone)
		require.NoError(t, err)
		assert.Equal(t, "TALABC234", code)

		reserved, _ := s.IsCodeReserved(ctx, code)
		assert.True(t, reserved)
		got, _ := s.GetMember(ctx, m.ID)
		assert.Equal(t, code, got.ReferralCode)
		entry, _ := s.GetRegistryEntry(ctx, m.Phone)
		assert.Equal(t, code, entry.ReferralCode)
	})

	t.Run("existing registry code wins", func(t *testing.T) {
		s := New()
		m := newMember("+15550002222")
		require.NoError(t, s.CreateMember(ctx, m, nil))
		s.SeedRegistry(membership.RegistryEntry{Phone: m.Phone, ReferralCode: "TALQQQ777", ClaimedBy: m.ID})

		code, err := s.ReserveCode(ctx, membership.CodeReservation{Code: "TALABC234", OwnerID: m.ID}, m.Phone)
		require.NoError(t, err)
		assert.Equal(t, "TALQQQ777", code)

		reserved, _ := s.IsCodeReserved(ctx, "TALABC234")
		assert.False(t, reserved)
		got, _ := s.GetMember(ctx, m.ID)
		assert.Equal(t, "TALQQQ777", got.ReferralCode)
	})

	t.Run("taken code", func(t *testing.T) {
		s := New()
		m := newMember("+15550003333")
		require.NoError(t, s.CreateMember(ctx, m, nil))
		s.SeedReservation(membership.CodeReservation{Code: "TALABC234", OwnerID: uuid.New()})

		_, err := s.ReserveCode(ctx, membership.CodeReservation{Code: "TALABC234", OwnerID: m.ID}, m.Phone)
		assert.ErrorIs(t, err, membership.ErrCodeTaken)
	})
}

func TestConditionalWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := newMember("+15550001111")
	require.NoError(t, s.CreateMember(ctx, m, nil))

	ok, err := s.AssignReferrer(ctx, m.ID, membership.RootCode)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.AssignReferrer(ctx, m.ID, "TALABC234")
	assert.False(t, ok)

	ok, _ = s.PromoteRole(ctx, m.ID, 3, "Leader")
	assert.True(t, ok)
	ok, _ = s.PromoteRole(ctx, m.ID, 2, "Builder")
	assert.False(t, ok)

	got, _ := s.GetMember(ctx, m.ID)
	assert.Equal(t, membership.RootCode, got.ReferrerCode)
	assert.Equal(t, 3, got.RoleTier)
}

func TestPagination(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 5; i++ {
		s.Seed(*newMember(""))
	}

	var seen []uuid.UUID
	after := uuid.Nil
	for {
		page, err := s.ListMembers(ctx, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			seen = append(seen, m.ID)
			after = m.ID
		}
	}
	assert.Len(t, seen, 5)
}

func TestInvariantProbes(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := newMember("+15550001111")
	require.NoError(t, s.CreateMember(ctx, m, nil))

	report := probe.NewEvaluator(nil, s.InvariantProbes()...).Run(ctx)
	assert.False(t, report.Healthy)
	assert.Equal(t, 1.0, report.Values["orphans"])
	assert.Equal(t, 0.0, report.Values["registry_divergence"])

	_, err := s.AssignReferrer(ctx, m.ID, membership.RootCode)
	require.NoError(t, err)

	report = probe.NewEvaluator(nil, s.InvariantProbes()...).Run(ctx)
	assert.True(t, report.Healthy)
}

func TestJournal(t *testing.T) {
	ctx := context.Background()
	j := NewJournal()
	id := uuid.New()

	require.NoError(t, j.Record(ctx, id, membership.EventMemberRegistered, membership.MemberRegisteredEvent{ID: id}))
	require.NoError(t, j.Record(ctx, id, membership.EventReferralCodeIssued, membership.ReferralCodeIssuedEvent{ID: id, Code: "TALABC234"}))

	entries, err := j.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, entries[1].Version)
	assert.JSONEq(t, `{"id":"`+id.String()+`","code":"TALABC234"}`, string(entries[1].Data))
}
