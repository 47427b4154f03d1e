package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"kycgate.dev/internal/ids"
)

var (
	// ErrRefreshNotFound covers unknown, expired and already-revoked refresh
	// tokens alike so callers cannot distinguish the cases.
	ErrRefreshNotFound = errors.New("auth: refresh token not found")
	// ErrRefreshReused signals that a concurrent rotation already consumed
	// the token.
	ErrRefreshReused = errors.New("auth: refresh token already used")
)

// RefreshToken is a stored single-use refresh credential. Only the sha256 hash
// of the opaque value is persisted.
type RefreshToken struct {
	ID            string
	UserID        int64
	TokenHash     string
	ExpiresAt     time.Time
	RevokedAt     sql.NullTime
	LastUsedAt    sql.NullTime
	IP            string
	UserAgent     string
	CorrelationID string
	CreatedAt     time.Time
}

// NewRefreshValue generates a 256-bit random opaque refresh value encoded as
// unpadded base64url.
func NewRefreshValue() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashRefreshValue derives the storage key for an opaque refresh value.
func HashRefreshValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// RefreshStore persists refresh tokens.
type RefreshStore interface {
	Insert(ctx context.Context, rec RefreshToken) error
	// FindActive returns the live token with the given hash, or
	// ErrRefreshNotFound when no unrevoked unexpired row matches.
	FindActive(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// Rotate atomically revokes the old token and inserts its successor. At
	// most one concurrent caller wins; losers get ErrRefreshReused.
	Rotate(ctx context.Context, oldHash string, next RefreshToken) error
	Revoke(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID int64) (int64, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// PGRefreshStore implements RefreshStore on PostgreSQL.
type PGRefreshStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ RefreshStore = (*PGRefreshStore)(nil)

// NewPGRefreshStore wraps the given pool.
func NewPGRefreshStore(db *sql.DB) *PGRefreshStore {
	return &PGRefreshStore{db: db, now: time.Now}
}

const insertRefreshSQL = `
	insert into refresh_tokens(id, user_id, token_hash, expires_at, ip, user_agent, correlation_id)
	values($1,$2,$3,$4,$5,$6,$7)`

func (s *PGRefreshStore) Insert(ctx context.Context, rec RefreshToken) error {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, insertRefreshSQL,
		rec.ID, rec.UserID, rec.TokenHash, rec.ExpiresAt.UTC(),
		nullIfEmpty(rec.IP), nullIfEmpty(rec.UserAgent), nullIfEmpty(rec.CorrelationID))
	return err
}

func (s *PGRefreshStore) FindActive(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var (
		rec       RefreshToken
		ip, ua, c sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, revoked_at, last_used_at,
		       ip, user_agent, correlation_id, created_at
		from refresh_tokens
		where token_hash = $1 and revoked_at is null and expires_at > $2`,
		tokenHash, s.now().UTC(),
	).Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.ExpiresAt, &rec.RevokedAt,
		&rec.LastUsedAt, &ip, &ua, &c, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefreshNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.IP = ip.String
	rec.UserAgent = ua.String
	rec.CorrelationID = c.String
	return &rec, nil
}

// Rotate marks the old row used-and-revoked and inserts the successor in one
// transaction. The conditional update is the concurrency gate: only the caller
// whose UPDATE touches a row proceeds to insert.
func (s *PGRefreshStore) Rotate(ctx context.Context, oldHash string, next RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, last_used_at = $2
		where token_hash = $1 and revoked_at is null and expires_at > $2`,
		oldHash, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRefreshReused
	}

	if next.ID == "" {
		next.ID = ids.New()
	}
	if _, err := tx.ExecContext(ctx, insertRefreshSQL,
		next.ID, next.UserID, next.TokenHash, next.ExpiresAt.UTC(),
		nullIfEmpty(next.IP), nullIfEmpty(next.UserAgent), nullIfEmpty(next.CorrelationID)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGRefreshStore) Revoke(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where token_hash = $1 and revoked_at is null`,
		tokenHash, s.now().UTC())
	return err
}

func (s *PGRefreshStore) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where user_id = $1 and revoked_at is null`,
		userID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGRefreshStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullIfEmpty(v string) sql.NullString {
	v = strings.TrimSpace(v)
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
