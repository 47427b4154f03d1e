package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// User account statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

var (
	ErrUserNotFound  = errors.New("auth: user not found")
	ErrEmailTaken    = errors.New("auth: email already registered")
	ErrUserDisabled  = errors.New("auth: user is disabled")
	ErrBadCredential = errors.New("auth: invalid email or password")
)

// User is an account row. PasswordHash never leaves the package boundary in
// JSON form.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Active reports whether the account may authenticate.
func (u *User) Active() bool { return u.Status == StatusActive }

// UserStore persists accounts.
type UserStore interface {
	Find(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, limit, offset int) ([]User, error)
	Insert(ctx context.Context, email, passwordHash string) (int64, error)
	UpdateEmail(ctx context.Context, id int64, email string) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	SetStatus(ctx context.Context, id int64, status string) error
}

// PGUserStore implements UserStore on PostgreSQL.
type PGUserStore struct {
	db *sql.DB
}

var _ UserStore = (*PGUserStore)(nil)

// NewPGUserStore wraps the given pool.
func NewPGUserStore(db *sql.DB) *PGUserStore {
	return &PGUserStore{db: db}
}

const userColumns = `id, email, password_hash, status, created_at, updated_at`

func (s *PGUserStore) Find(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *PGUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(email)=lower($1)`, email)
	return scanUser(row)
}

func (s *PGUserStore) List(ctx context.Context, limit, offset int) ([]User, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users order by id limit $1 offset $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PGUserStore) Insert(ctx context.Context, email, passwordHash string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`insert into users(email, password_hash, status) values($1,$2,$3) returning id`,
		email, passwordHash, StatusActive,
	).Scan(&id)
	if err != nil && isUniqueViolation(err) {
		return 0, ErrEmailTaken
	}
	return id, err
}

func (s *PGUserStore) UpdateEmail(ctx context.Context, id int64, email string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set email=$2, updated_at=now() where id=$1`, id, email)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return err
	}
	return requireUserRow(res)
}

func (s *PGUserStore) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, id, passwordHash)
	if err != nil {
		return err
	}
	return requireUserRow(res)
}

func (s *PGUserStore) SetStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set status=$2, updated_at=now() where id=$1`, id, status)
	if err != nil {
		return err
	}
	return requireUserRow(res)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func requireUserRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

const pgErrUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}
