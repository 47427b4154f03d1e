// Package auth implements account credentials, sessions and the token
// lifecycle around them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"kycgate.dev/internal/rbac"
	"kycgate.dev/internal/token"
)

// Session is the result of a successful login or refresh.
type Session struct {
	User             *User
	Roles            []string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Profile is the authenticated caller's own view, permissions resolved live.
type Profile struct {
	User        *User    `json:"user"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// RequestMeta carries per-request attribution stored alongside refresh tokens.
type RequestMeta struct {
	IP            string
	UserAgent     string
	CorrelationID string
}

// Service drives login, refresh rotation, logout and profile reads.
type Service struct {
	users       UserStore
	refresh     RefreshStore
	tokens      *token.Service
	revocations token.RevocationStore
	resolver    rbac.Resolver
	refreshTTL  time.Duration
	now         func() time.Time
}

// ServiceOption configures the auth service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the auth service. All collaborators are required.
func NewService(
	users UserStore,
	refresh RefreshStore,
	tokens *token.Service,
	revocations token.RevocationStore,
	resolver rbac.Resolver,
	refreshTTL time.Duration,
	opts ...ServiceOption,
) (*Service, error) {
	switch {
	case users == nil:
		return nil, errors.New("auth: user store is required")
	case refresh == nil:
		return nil, errors.New("auth: refresh store is required")
	case tokens == nil:
		return nil, errors.New("auth: token service is required")
	case revocations == nil:
		return nil, errors.New("auth: revocation store is required")
	case resolver == nil:
		return nil, errors.New("auth: rbac resolver is required")
	case refreshTTL <= 0:
		return nil, errors.New("auth: refresh ttl must be greater than zero")
	}
	s := &Service{
		users:       users,
		refresh:     refresh,
		tokens:      tokens,
		revocations: revocations,
		resolver:    resolver,
		refreshTTL:  refreshTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login verifies credentials and opens a session. Unknown email and wrong
// password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (*Session, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrBadCredential
	}
	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrBadCredential
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return nil, ErrBadCredential
	}
	if !user.Active() {
		return nil, ErrUserDisabled
	}
	return s.openSession(ctx, user, meta)
}

// Refresh rotates a single-use refresh token and issues a fresh pair. A value
// that was already rotated, revoked or expired fails with ErrRefreshNotFound.
func (s *Service) Refresh(ctx context.Context, refreshValue string, meta RequestMeta) (*Session, error) {
	refreshValue = strings.TrimSpace(refreshValue)
	if refreshValue == "" {
		return nil, ErrRefreshNotFound
	}
	oldHash := HashRefreshValue(refreshValue)

	rec, err := s.refresh.FindActive(ctx, oldHash)
	if err != nil {
		return nil, err
	}
	user, err := s.users.Find(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	if !user.Active() {
		// The account died since the token was issued. Burn the whole
		// session family rather than leave live credentials around.
		if _, revErr := s.refresh.RevokeAllForUser(ctx, user.ID); revErr != nil {
			return nil, revErr
		}
		return nil, ErrUserDisabled
	}

	roles, err := s.resolver.UserRoles(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve roles: %w", err)
	}
	accessToken, accessExp, err := s.tokens.Issue(user.ID, roles, nil)
	if err != nil {
		return nil, err
	}

	nextValue, err := NewRefreshValue()
	if err != nil {
		return nil, err
	}
	refreshExp := s.now().UTC().Add(s.refreshTTL)
	next := RefreshToken{
		UserID:        user.ID,
		TokenHash:     HashRefreshValue(nextValue),
		ExpiresAt:     refreshExp,
		IP:            meta.IP,
		UserAgent:     meta.UserAgent,
		CorrelationID: meta.CorrelationID,
	}
	if err := s.refresh.Rotate(ctx, oldHash, next); err != nil {
		if errors.Is(err, ErrRefreshReused) {
			return nil, ErrRefreshNotFound
		}
		return nil, err
	}

	return &Session{
		User:             user,
		Roles:            roles,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     nextValue,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Logout denylists the presented access token and revokes the refresh token
// if the caller surrendered one. The access token may already be expired;
// only the signature has to check out. A missing or garbage token is not an
// error since logout is idempotent from the caller's view.
func (s *Service) Logout(ctx context.Context, rawAccessToken, refreshValue string, meta RequestMeta) error {
	if v := strings.TrimSpace(refreshValue); v != "" {
		if err := s.refresh.Revoke(ctx, HashRefreshValue(v)); err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
	}
	claims, err := s.tokens.Decode(rawAccessToken)
	if err != nil {
		return nil
	}
	expiresAt := s.now().UTC()
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.After(expiresAt) {
		expiresAt = claims.ExpiresAt.Time
	}
	return s.revocations.Revoke(ctx, token.RevokedToken{
		JTI:           claims.ID,
		UserID:        claims.SubjectID(),
		Kind:          token.KindAccess,
		ExpiresAt:     expiresAt,
		Reason:        "logout",
		CorrelationID: meta.CorrelationID,
	})
}

// Me returns the caller's profile with roles and permissions resolved at read
// time, not from token claims.
func (s *Service) Me(ctx context.Context, userID int64) (*Profile, error) {
	user, err := s.users.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles, err := s.resolver.UserRoles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve roles: %w", err)
	}
	perms, err := s.resolver.UserPermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve permissions: %w", err)
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return &Profile{User: user, Roles: roles, Permissions: perms}, nil
}

func (s *Service) openSession(ctx context.Context, user *User, meta RequestMeta) (*Session, error) {
	roles, err := s.resolver.UserRoles(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve roles: %w", err)
	}
	accessToken, accessExp, err := s.tokens.Issue(user.ID, roles, nil)
	if err != nil {
		return nil, err
	}
	refreshValue, err := NewRefreshValue()
	if err != nil {
		return nil, err
	}
	refreshExp := s.now().UTC().Add(s.refreshTTL)
	rec := RefreshToken{
		UserID:        user.ID,
		TokenHash:     HashRefreshValue(refreshValue),
		ExpiresAt:     refreshExp,
		IP:            meta.IP,
		UserAgent:     meta.UserAgent,
		CorrelationID: meta.CorrelationID,
	}
	if err := s.refresh.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return &Session{
		User:             user,
		Roles:            roles,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshValue,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether the address parses per RFC 5322.
func ValidEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
