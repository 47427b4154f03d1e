package token

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Token kinds recorded in the revocation denylist.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// RevokedToken is a denylist entry. The expiry mirrors the token's own expiry
// so the entry can be garbage-collected once the token would have died anyway.
type RevokedToken struct {
	JTI           string
	UserID        int64
	Kind          string
	ExpiresAt     time.Time
	Reason        string
	CorrelationID string
}

// RevocationStore is the persisted denylist of revoked token ids.
type RevocationStore interface {
	Revoke(ctx context.Context, rec RevokedToken) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// PGRevocationStore implements RevocationStore on PostgreSQL.
type PGRevocationStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ RevocationStore = (*PGRevocationStore)(nil)

// NewPGRevocationStore wraps the given pool.
func NewPGRevocationStore(db *sql.DB) *PGRevocationStore {
	return &PGRevocationStore{db: db, now: time.Now}
}

// Revoke upserts a denylist entry; revoking the same jti twice is harmless.
func (s *PGRevocationStore) Revoke(ctx context.Context, rec RevokedToken) error {
	jti := strings.TrimSpace(rec.JTI)
	if jti == "" {
		return nil
	}
	kind := rec.Kind
	if kind != KindAccess && kind != KindRefresh {
		kind = KindAccess
	}
	expiresAt := rec.ExpiresAt.UTC()
	if now := s.now().UTC(); expiresAt.Before(now) {
		expiresAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`insert into revoked_tokens(jti, user_id, token_type, expires_at, reason, correlation_id)
		 values($1,$2,$3,$4,$5,$6)
		 on conflict (jti) do update
		 set expires_at = excluded.expires_at,
		     reason = excluded.reason,
		     correlation_id = excluded.correlation_id`,
		jti, rec.UserID, kind, expiresAt, nullIfEmpty(rec.Reason), nullIfEmpty(rec.CorrelationID),
	)
	return err
}

// IsRevoked reports whether a non-expired denylist entry exists for jti.
func (s *PGRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`select 1 from revoked_tokens where jti=$1 and expires_at > $2 limit 1`,
		jti, s.now().UTC(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpired deletes entries whose mirrored expiry has passed.
func (s *PGRevocationStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from revoked_tokens where expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullIfEmpty(v string) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return v
}
