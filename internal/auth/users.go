package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kycgate.dev/internal/rbac"
)

// ErrInvalidInput marks admin request payloads that fail validation.
var ErrInvalidInput = errors.New("auth: invalid input")

// UserView is the admin-facing account shape with resolved roles.
type UserView struct {
	User  *User    `json:"user"`
	Roles []string `json:"roles"`
}

// UserUpdate carries optional admin field changes.
type UserUpdate struct {
	Email    *string
	Password *string
}

// Admin exposes account management for operators. Role assignment goes
// through the rbac catalog so both sides share one validation path.
type Admin struct {
	users    UserStore
	refresh  RefreshStore
	resolver rbac.Resolver
	catalog  *rbac.Service
}

// NewAdmin wires the admin account service.
func NewAdmin(users UserStore, refresh RefreshStore, resolver rbac.Resolver, catalog *rbac.Service) (*Admin, error) {
	switch {
	case users == nil:
		return nil, errors.New("auth: user store is required")
	case refresh == nil:
		return nil, errors.New("auth: refresh store is required")
	case resolver == nil:
		return nil, errors.New("auth: rbac resolver is required")
	case catalog == nil:
		return nil, errors.New("auth: rbac catalog is required")
	}
	return &Admin{users: users, refresh: refresh, resolver: resolver, catalog: catalog}, nil
}

// ListUsers pages through accounts without resolving roles per row.
func (a *Admin) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	return a.users.List(ctx, limit, offset)
}

// GetUser returns one account with its roles.
func (a *Admin) GetUser(ctx context.Context, id int64) (*UserView, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	user, err := a.users.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.view(ctx, user)
}

// CreateUser registers an account, optionally with an initial role set.
func (a *Admin) CreateUser(ctx context.Context, email, password string, roles []string) (*UserView, error) {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return nil, fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	id, err := a.users.Insert(ctx, email, hash)
	if err != nil {
		return nil, err
	}
	if len(roles) > 0 {
		if err := a.catalog.ReplaceUserRoles(ctx, id, roles); err != nil {
			return nil, err
		}
	}
	return a.GetUser(ctx, id)
}

// UpdateUser applies optional email and password changes.
func (a *Admin) UpdateUser(ctx context.Context, id int64, upd UserUpdate) (*UserView, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	if upd.Email == nil && upd.Password == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if upd.Email != nil {
		email := NormalizeEmail(*upd.Email)
		if !ValidEmail(email) {
			return nil, fmt.Errorf("%w: email is invalid", ErrInvalidInput)
		}
		if err := a.users.UpdateEmail(ctx, id, email); err != nil {
			return nil, err
		}
	}
	if upd.Password != nil {
		hash, err := HashPassword(*upd.Password)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
		}
		if err := a.users.UpdatePassword(ctx, id, hash); err != nil {
			return nil, err
		}
	}
	return a.GetUser(ctx, id)
}

// DisableUser marks the account disabled and revokes its refresh tokens so
// sessions cannot outlive the account.
func (a *Admin) DisableUser(ctx context.Context, id int64) (*UserView, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	if err := a.users.SetStatus(ctx, id, StatusDisabled); err != nil {
		return nil, err
	}
	if _, err := a.refresh.RevokeAllForUser(ctx, id); err != nil {
		return nil, err
	}
	return a.GetUser(ctx, id)
}

// AssignRoles replaces the account's role set by role name.
func (a *Admin) AssignRoles(ctx context.Context, id int64, roles []string) (*UserView, error) {
	if _, err := a.users.Find(ctx, id); err != nil {
		return nil, err
	}
	if err := a.catalog.ReplaceUserRoles(ctx, id, roles); err != nil {
		return nil, err
	}
	return a.GetUser(ctx, id)
}

func (a *Admin) view(ctx context.Context, user *User) (*UserView, error) {
	roles, err := a.resolver.UserRoles(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if roles == nil {
		roles = []string{}
	}
	return &UserView{User: user, Roles: roles}, nil
}

// Redact hides internals the API must never leak.
func Redact(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
