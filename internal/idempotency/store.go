// Package idempotency persists request/response pairs keyed by client
// idempotency key and route so retried mutations replay instead of re-execute.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"
)

// TTL is how long a committed record stays replayable.
const TTL = 24 * time.Hour

// MaxKeyLength bounds the client-supplied key.
const MaxKeyLength = 128

// ErrNotFound means no live record exists for the composite key.
var ErrNotFound = errors.New("idempotency: record not found")

// Record is one memoized response. The composite identity is (Key, RouteName);
// RequestHash detects key reuse with a different body.
type Record struct {
	Key            string
	RouteName      string
	UserID         int64
	RequestHash    string
	ResponseStatus int
	ResponseBody   []byte
	CorrelationID  string
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Store persists idempotency records.
type Store interface {
	Lookup(ctx context.Context, key, routeName string) (*Record, error)
	Commit(ctx context.Context, rec Record) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// HashBody derives the canonical request fingerprint.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*PGStore)(nil)

// NewPGStore wraps the given pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

// Lookup returns the live record for (key, route) or ErrNotFound. Expired rows
// are invisible even before the purge job removes them.
func (s *PGStore) Lookup(ctx context.Context, key, routeName string) (*Record, error) {
	var (
		rec Record
		cid sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select idem_key, route_name, user_id, request_hash, response_status,
		       response_body, correlation_id, expires_at, created_at
		from idempotency_keys
		where idem_key = $1 and route_name = $2 and expires_at > $3`,
		key, routeName, s.now().UTC(),
	).Scan(&rec.Key, &rec.RouteName, &rec.UserID, &rec.RequestHash, &rec.ResponseStatus,
		&rec.ResponseBody, &cid, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.CorrelationID = cid.String
	return &rec, nil
}

// Commit upserts the record. The upsert makes retries of the commit itself
// harmless; the last completed execution wins.
func (s *PGStore) Commit(ctx context.Context, rec Record) error {
	expiresAt := rec.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = s.now().UTC().Add(TTL)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into idempotency_keys(idem_key, route_name, user_id, request_hash,
		                             response_status, response_body, correlation_id, expires_at)
		values($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (idem_key, route_name) do update
		set user_id = excluded.user_id,
		    request_hash = excluded.request_hash,
		    response_status = excluded.response_status,
		    response_body = excluded.response_body,
		    correlation_id = excluded.correlation_id,
		    expires_at = excluded.expires_at`,
		rec.Key, rec.RouteName, rec.UserID, rec.RequestHash,
		rec.ResponseStatus, rec.ResponseBody, nullableCID(rec.CorrelationID), expiresAt.UTC())
	return err
}

// PurgeExpired removes dead records.
func (s *PGStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from idempotency_keys where expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullableCID(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
