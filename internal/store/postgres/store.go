package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"referralnet/internal/membership"
)

const memberColumns = `id, COALESCE(phone, ''), full_name, COALESCE(email, ''), COALESCE(city, ''),
	COALESCE(referral_code, ''), COALESCE(referrer_code, ''), direct_count, team_count,
	role_tier, role_name, stats_updated_at, created_at, updated_at`

// Store implements membership.Store on PostgreSQL.
type Store struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewStore creates a store on top of db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("referralnet/store"),
	}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMember(row rowScanner) (*membership.Member, error) {
	var (
		m       membership.Member
		statsAt sql.NullTime
	)
	err := row.Scan(
		&m.ID,
		&m.Phone,
		&m.FullName,
		&m.Email,
		&m.City,
		&m.ReferralCode,
		&m.ReferrerCode,
		&m.DirectCount,
		&m.TeamCount,
		&m.RoleTier,
		&m.RoleName,
		&statsAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if statsAt.Valid {
		t := statsAt.Time
		m.StatsUpdatedAt = &t
	}
	return &m, nil
}

func uniqueViolation(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr, true
	}
	return nil, false
}

// GetMember loads a member by id.
func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	ctx, span := s.start(ctx, "get_member", attribute.String("member.id", id.String()))
	defer span.End()

	m, err := scanMember(s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, membership.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query member: %w", err)
	}
	return m, nil
}

// FindOwnerByCode resolves a code through the reservation table and falls
// back to the members' own codes for rows issued before reservations.
func (s *Store) FindOwnerByCode(ctx context.Context, code string) (*membership.Member, error) {
	ctx, span := s.start(ctx, "find_owner", attribute.String("referral.code", code))
	defer span.End()

	m, err := scanMember(s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE id = (SELECT owner_id FROM code_reservations WHERE code = $1)
	`, code))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query reservation owner: %w", err)
	}

	span.SetAttributes(attribute.Bool("fallback", true))
	m, err = scanMember(s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE referral_code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, membership.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query code owner: %w", err)
	}
	return m, nil
}

// GetRegistryEntry returns the registry row for phone, or nil.
func (s *Store) GetRegistryEntry(ctx context.Context, phone string) (*membership.RegistryEntry, error) {
	ctx, span := s.start(ctx, "get_registry_entry")
	defer span.End()

	var e membership.RegistryEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT phone, COALESCE(referral_code, ''), claimed_by, claimed_at, updated_at
		FROM phone_registry
		WHERE phone = $1
	`, phone).Scan(&e.Phone, &e.ReferralCode, &e.ClaimedBy, &e.ClaimedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query registry: %w", err)
	}
	return &e, nil
}

// IsCodeReserved reports whether code has a reservation.
func (s *Store) IsCodeReserved(ctx context.Context, code string) (bool, error) {
	ctx, span := s.start(ctx, "is_code_reserved", attribute.String("referral.code", code))
	defer span.End()

	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM code_reservations WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query reservation: %w", err)
	}
	return exists, nil
}

// CreateMember claims the phone and inserts the member in one transaction.
func (s *Store) CreateMember(ctx context.Context, m *membership.Member, cred *membership.Credential) error {
	ctx, span := s.start(ctx, "create_member", attribute.String("member.id", m.ID.String()))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM members WHERE id = $1)`, m.ID).Scan(&exists); err != nil {
		return fmt.Errorf("query member: %w", err)
	}
	if exists {
		return membership.ErrAlreadyRegistered
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO phone_registry (phone, claimed_by, claimed_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (phone) DO NOTHING
	`, m.Phone, m.ID, m.CreatedAt); err != nil {
		return fmt.Errorf("claim phone: %w", err)
	}

	var claimedBy uuid.UUID
	if err := tx.QueryRowContext(ctx, `SELECT claimed_by FROM phone_registry WHERE phone = $1 FOR UPDATE`, m.Phone).Scan(&claimedBy); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	if claimedBy != m.ID {
		span.SetAttributes(attribute.Bool("phone.claimed", true))
		return membership.ErrPhoneAlreadyClaimed
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO members (id, phone, full_name, email, city, pin_hash, pin_salt, referrer_code, role_tier, role_name, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9, $10, $11, $11)
	`, m.ID, m.Phone, m.FullName, m.Email, m.City, cred.PINHash, cred.Salt, m.ReferrerCode, m.RoleTier, m.RoleName, m.CreatedAt)
	if pqErr, ok := uniqueViolation(err); ok {
		if pqErr.Constraint == "members_phone_key" {
			return membership.ErrPhoneAlreadyClaimed
		}
		return membership.ErrAlreadyRegistered
	}
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// EnsureRoot creates or repairs the root member and its code reservation.
func (s *Store) EnsureRoot(ctx context.Context, root *membership.Member) error {
	ctx, span := s.start(ctx, "ensure_root", attribute.String("member.id", root.ID.String()))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO members (id, phone, full_name, referral_code, role_tier, role_name, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE
		SET referral_code = EXCLUDED.referral_code,
		    role_tier = EXCLUDED.role_tier,
		    role_name = EXCLUDED.role_name,
		    updated_at = EXCLUDED.updated_at
		WHERE members.referral_code IS DISTINCT FROM EXCLUDED.referral_code
		   OR members.role_tier <> EXCLUDED.role_tier
	`, root.ID, root.Phone, root.FullName, root.ReferralCode, root.RoleTier, root.RoleName, root.CreatedAt); err != nil {
		return fmt.Errorf("upsert root: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO code_reservations (code, owner_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO NOTHING
	`, root.ReferralCode, root.ID, root.CreatedAt); err != nil {
		return fmt.Errorf("reserve root code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ReserveCode writes the reservation, the registry code and the member's
// code together. The registry row is locked first; if it already holds a
// well-formed code that code wins and is mirrored onto the member.
func (s *Store) ReserveCode(ctx context.Context, res membership.CodeReservation, phone string) (string, error) {
	ctx, span := s.start(ctx, "reserve_code",
		attribute.String("member.id", res.OwnerID.String()),
		attribute.String("referral.code", res.Code),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO phone_registry (phone, claimed_by, claimed_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (phone) DO NOTHING
	`, phone, res.OwnerID, res.CreatedAt); err != nil {
		return "", fmt.Errorf("claim phone: %w", err)
	}

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(referral_code, '') FROM phone_registry WHERE phone = $1 FOR UPDATE`, phone).Scan(&current); err != nil {
		return "", fmt.Errorf("lock registry: %w", err)
	}

	if membership.IsWellFormed(current) {
		span.SetAttributes(attribute.Bool("registry.won", true))
		if _, err := tx.ExecContext(ctx, `
			UPDATE members SET referral_code = $2, updated_at = $3
			WHERE id = $1 AND referral_code IS DISTINCT FROM $2
		`, res.OwnerID, current, res.CreatedAt); err != nil {
			return "", fmt.Errorf("mirror registry code: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit transaction: %w", err)
		}
		return current, nil
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO code_reservations (code, owner_id, created_at) VALUES ($1, $2, $3)`,
		res.Code, res.OwnerID, res.CreatedAt)
	if _, ok := uniqueViolation(err); ok {
		return "", membership.ErrCodeTaken
	}
	if err != nil {
		return "", fmt.Errorf("insert reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE phone_registry SET referral_code = $2, updated_at = $3 WHERE phone = $1`,
		phone, res.Code, res.CreatedAt); err != nil {
		return "", fmt.Errorf("update registry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE members SET referral_code = $2, updated_at = $3 WHERE id = $1`,
		res.OwnerID, res.Code, res.CreatedAt)
	if _, ok := uniqueViolation(err); ok {
		return "", membership.ErrCodeTaken
	}
	if err != nil {
		return "", fmt.Errorf("update member code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return res.Code, nil
}

// SetMemberCode overwrites the member's own code, backfilling the
// reservation if it is missing.
func (s *Store) SetMemberCode(ctx context.Context, id uuid.UUID, code string) error {
	ctx, span := s.start(ctx, "set_member_code",
		attribute.String("member.id", id.String()),
		attribute.String("referral.code", code),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := backfillReservation(ctx, tx, code, id); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `UPDATE members SET referral_code = $2, updated_at = NOW() WHERE id = $1`, id, code)
	if _, ok := uniqueViolation(err); ok {
		return membership.ErrCodeTaken
	}
	if err != nil {
		return fmt.Errorf("update member code: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return membership.ErrMemberNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SetRegistryCode upserts the registry entry for phone.
func (s *Store) SetRegistryCode(ctx context.Context, phone string, owner uuid.UUID, code string) error {
	ctx, span := s.start(ctx, "set_registry_code",
		attribute.String("member.id", owner.String()),
		attribute.String("referral.code", code),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := backfillReservation(ctx, tx, code, owner); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO phone_registry (phone, referral_code, claimed_by, claimed_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (phone) DO UPDATE
		SET referral_code = EXCLUDED.referral_code,
		    updated_at = EXCLUDED.updated_at
	`, phone, code, owner); err != nil {
		return fmt.Errorf("upsert registry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// BackfillReservation inserts a reservation for a code already in use and
// reports whether one was missing.
func (s *Store) BackfillReservation(ctx context.Context, code string, owner uuid.UUID) (bool, error) {
	ctx, span := s.start(ctx, "backfill_reservation",
		attribute.String("member.id", owner.String()),
		attribute.String("referral.code", code),
	)
	defer span.End()

	result, err := s.db.ExecContext(ctx, insertReservationIfMissing, code, owner)
	if err != nil {
		return false, fmt.Errorf("backfill reservation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

const insertReservationIfMissing = `
	INSERT INTO code_reservations (code, owner_id, created_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (code) DO NOTHING`

func backfillReservation(ctx context.Context, tx *sql.Tx, code string, owner uuid.UUID) error {
	if _, err := tx.ExecContext(ctx, insertReservationIfMissing, code, owner); err != nil {
		return fmt.Errorf("backfill reservation: %w", err)
	}
	return nil
}

// AssignReferrer sets the referrer code only while it is unset.
func (s *Store) AssignReferrer(ctx context.Context, id uuid.UUID, code string) (bool, error) {
	ctx, span := s.start(ctx, "assign_referrer", attribute.String("member.id", id.String()))
	defer span.End()

	result, err := s.db.ExecContext(ctx, `
		UPDATE members SET referrer_code = $2, updated_at = NOW()
		WHERE id = $1 AND (referrer_code IS NULL OR referrer_code = '')
	`, id, code)
	if err != nil {
		return false, fmt.Errorf("assign referrer: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ApplyCredits applies every increment in one transaction.
func (s *Store) ApplyCredits(ctx context.Context, credits []membership.Credit, at time.Time) error {
	ctx, span := s.start(ctx, "apply_credits", attribute.Int("credits", len(credits)))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range credits {
		if _, err := tx.ExecContext(ctx, `
			UPDATE members
			SET direct_count = direct_count + $2,
			    team_count = team_count + $3,
			    stats_updated_at = $4,
			    updated_at = $4
			WHERE id = $1
		`, c.MemberID, c.Direct, c.Team, at); err != nil {
			return fmt.Errorf("credit member %s: %w", c.MemberID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// PromoteRole raises the tier only while the stored tier is lower.
func (s *Store) PromoteRole(ctx context.Context, id uuid.UUID, tier int, name string) (bool, error) {
	ctx, span := s.start(ctx, "promote_role",
		attribute.String("member.id", id.String()),
		attribute.Int("role.tier", tier),
	)
	defer span.End()

	result, err := s.db.ExecContext(ctx, `
		UPDATE members SET role_tier = $2, role_name = $3, updated_at = NOW()
		WHERE id = $1 AND role_tier < $2
	`, id, tier, name)
	if err != nil {
		return false, fmt.Errorf("promote member: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListOrphans pages through members without a referrer, root excluded.
func (s *Store) ListOrphans(ctx context.Context, after uuid.UUID, limit int) ([]membership.Member, error) {
	ctx, span := s.start(ctx, "list_orphans", attribute.Int("limit", limit))
	defer span.End()

	return s.queryMembers(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE (referrer_code IS NULL OR referrer_code = '')
		  AND role_tier < $3
		  AND COALESCE(referral_code, '') <> $4
		  AND id > $1
		ORDER BY id
		LIMIT $2
	`, after, limit, membership.RootTier, membership.RootCode)
}

// ListMembers pages through all members in id order.
func (s *Store) ListMembers(ctx context.Context, after uuid.UUID, limit int) ([]membership.Member, error) {
	ctx, span := s.start(ctx, "list_members", attribute.Int("limit", limit))
	defer span.End()

	return s.queryMembers(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, after, limit)
}

func (s *Store) queryMembers(ctx context.Context, query string, args ...interface{}) ([]membership.Member, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []membership.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// RecentReferrals returns the newest members referred by code.
func (s *Store) RecentReferrals(ctx context.Context, code string, limit int) ([]membership.ReferralSummary, error) {
	ctx, span := s.start(ctx, "recent_referrals", attribute.String("referral.code", code))
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, full_name, created_at
		FROM members
		WHERE referrer_code = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, code, limit)
	if err != nil {
		return nil, fmt.Errorf("query referrals: %w", err)
	}
	defer rows.Close()

	var out []membership.ReferralSummary
	for rows.Next() {
		var r membership.ReferralSummary
		if err := rows.Scan(&r.MemberID, &r.FullName, &r.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan referral: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate referrals: %w", err)
	}
	return out, nil
}
