package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"referralnet/internal/membership"
)

// Store is an in-memory membership.Store. It keeps the same conditional
// write semantics as the Postgres store, serialised by one mutex.
type Store struct {
	mu           sync.Mutex
	members      map[uuid.UUID]*membership.Member
	credentials  map[uuid.UUID]membership.Credential
	registry     map[string]*membership.RegistryEntry
	reservations map[string]membership.CodeReservation
	now          func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		members:      make(map[uuid.UUID]*membership.Member),
		credentials:  make(map[uuid.UUID]membership.Credential),
		registry:     make(map[string]*membership.RegistryEntry),
		reservations: make(map[string]membership.CodeReservation),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Seed inserts or replaces a member row as is, bypassing every check.
// It exists to load fixtures and legacy data.
func (s *Store) Seed(m membership.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = &m
}

// SeedRegistry inserts or replaces a registry entry as is.
func (s *Store) SeedRegistry(e membership.RegistryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[e.Phone] = &e
}

// SeedReservation inserts a reservation as is.
func (s *Store) SeedReservation(r membership.CodeReservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.Code] = r
}

func (s *Store) GetMember(_ context.Context, id uuid.UUID) (*membership.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok {
		return nil, membership.ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) FindOwnerByCode(_ context.Context, code string) (*membership.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.reservations[code]; ok {
		if m, ok := s.members[r.OwnerID]; ok {
			cp := *m
			return &cp, nil
		}
	}
	if m := s.memberByCode(code); m != nil {
		cp := *m
		return &cp, nil
	}
	return nil, membership.ErrMemberNotFound
}

func (s *Store) GetRegistryEntry(_ context.Context, phone string) (*membership.RegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.registry[phone]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *Store) IsCodeReserved(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.reservations[code]
	return ok, nil
}

func (s *Store) CreateMember(_ context.Context, m *membership.Member, cred *membership.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[m.ID]; ok {
		return membership.ErrAlreadyRegistered
	}
	if e, ok := s.registry[m.Phone]; ok && e.ClaimedBy != m.ID {
		return membership.ErrPhoneAlreadyClaimed
	}
	for _, other := range s.members {
		if other.Phone != "" && other.Phone == m.Phone {
			return membership.ErrPhoneAlreadyClaimed
		}
	}

	if _, ok := s.registry[m.Phone]; !ok {
		s.registry[m.Phone] = &membership.RegistryEntry{
			Phone:     m.Phone,
			ClaimedBy: m.ID,
			ClaimedAt: m.CreatedAt,
			UpdatedAt: m.CreatedAt,
		}
	}
	cp := *m
	s.members[m.ID] = &cp
	if cred != nil {
		s.credentials[m.ID] = *cred
	}
	return nil
}

func (s *Store) EnsureRoot(_ context.Context, root *membership.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.members[root.ID]; ok {
		existing.ReferralCode = root.ReferralCode
		existing.RoleTier = root.RoleTier
		existing.RoleName = root.RoleName
	} else {
		cp := *root
		s.members[root.ID] = &cp
	}
	if _, ok := s.reservations[root.ReferralCode]; !ok {
		s.reservations[root.ReferralCode] = membership.CodeReservation{
			Code:      root.ReferralCode,
			OwnerID:   root.ID,
			CreatedAt: root.CreatedAt,
		}
	}
	return nil
}

func (s *Store) ReserveCode(_ context.Context, res membership.CodeReservation, phone string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.registry[phone]
	if !ok {
		entry = &membership.RegistryEntry{
			Phone:     phone,
			ClaimedBy: res.OwnerID,
			ClaimedAt: res.CreatedAt,
			UpdatedAt: res.CreatedAt,
		}
	}

	if membership.IsWellFormed(entry.ReferralCode) {
		if m, ok := s.members[res.OwnerID]; ok && m.ReferralCode != entry.ReferralCode {
			m.ReferralCode = entry.ReferralCode
			m.UpdatedAt = res.CreatedAt
		}
		s.registry[phone] = entry
		return entry.ReferralCode, nil
	}

	if _, taken := s.reservations[res.Code]; taken {
		return "", membership.ErrCodeTaken
	}
	if holder := s.memberByCode(res.Code); holder != nil && holder.ID != res.OwnerID {
		return "", membership.ErrCodeTaken
	}

	s.reservations[res.Code] = res
	entry.ReferralCode = res.Code
	entry.UpdatedAt = res.CreatedAt
	s.registry[phone] = entry
	if m, ok := s.members[res.OwnerID]; ok {
		m.ReferralCode = res.Code
		m.UpdatedAt = res.CreatedAt
	}
	return res.Code, nil
}

func (s *Store) SetMemberCode(_ context.Context, id uuid.UUID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok {
		return membership.ErrMemberNotFound
	}
	if holder := s.memberByCode(code); holder != nil && holder.ID != id {
		return membership.ErrCodeTaken
	}
	s.backfill(code, id)
	m.ReferralCode = code
	m.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetRegistryCode(_ context.Context, phone string, owner uuid.UUID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backfill(code, owner)
	now := s.now()
	if e, ok := s.registry[phone]; ok {
		e.ReferralCode = code
		e.UpdatedAt = now
		return nil
	}
	s.registry[phone] = &membership.RegistryEntry{
		Phone:        phone,
		ReferralCode: code,
		ClaimedBy:    owner,
		ClaimedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

func (s *Store) BackfillReservation(_ context.Context, code string, owner uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[code]; ok {
		return false, nil
	}
	s.backfill(code, owner)
	return true, nil
}

func (s *Store) AssignReferrer(_ context.Context, id uuid.UUID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok || m.ReferrerCode != "" {
		return false, nil
	}
	m.ReferrerCode = code
	m.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) ApplyCredits(_ context.Context, credits []membership.Credit, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range credits {
		m, ok := s.members[c.MemberID]
		if !ok {
			continue
		}
		m.DirectCount += c.Direct
		m.TeamCount += c.Team
		t := at
		m.StatsUpdatedAt = &t
		m.UpdatedAt = at
	}
	return nil
}

func (s *Store) PromoteRole(_ context.Context, id uuid.UUID, tier int, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok || m.RoleTier >= tier {
		return false, nil
	}
	m.RoleTier = tier
	m.RoleName = name
	m.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) ListOrphans(_ context.Context, after uuid.UUID, limit int) ([]membership.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.page(after, limit, func(m *membership.Member) bool {
		return m.ReferrerCode == "" && m.RoleTier < membership.RootTier && m.ReferralCode != membership.RootCode
	}), nil
}

func (s *Store) ListMembers(_ context.Context, after uuid.UUID, limit int) ([]membership.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.page(after, limit, func(*membership.Member) bool { return true }), nil
}

func (s *Store) RecentReferrals(_ context.Context, code string, limit int) ([]membership.ReferralSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []membership.ReferralSummary
	for _, m := range s.members {
		if m.ReferrerCode == code {
			out = append(out, membership.ReferralSummary{MemberID: m.ID, FullName: m.FullName, JoinedAt: m.CreatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.After(out[j].JoinedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// page returns up to limit members matching keep with ids after the
// cursor, in uuid byte order.
func (s *Store) page(after uuid.UUID, limit int, keep func(*membership.Member) bool) []membership.Member {
	var out []membership.Member
	for _, m := range s.members {
		if bytes.Compare(m.ID[:], after[:]) > 0 && keep(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) memberByCode(code string) *membership.Member {
	if code == "" {
		return nil
	}
	for _, m := range s.members {
		if m.ReferralCode == code {
			return m
		}
	}
	return nil
}

func (s *Store) backfill(code string, owner uuid.UUID) {
	if _, ok := s.reservations[code]; !ok {
		s.reservations[code] = membership.CodeReservation{Code: code, OwnerID: owner, CreatedAt: s.now()}
	}
}
