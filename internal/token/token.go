// Package token issues and verifies the compact signed access tokens used by
// the gate pipeline and the auth flows.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the token failed verification.
var ErrInvalidToken = errors.New("invalid token")

const minSecretLen = 16

// Claims is the verified payload of an access token.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// SubjectID returns the token subject as a positive user id, or 0.
func (c *Claims) SubjectID() int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Subject), 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

// Service signs and verifies HS256 tokens.
type Service struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service. The signing secret must be at least 16
// bytes; shorter secrets are rejected here, not at verify time.
func NewService(secret, issuer, audience string, ttl time.Duration, opts ...Option) (*Service, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("token: secret must be at least %d bytes", minSecretLen)
	}
	if ttl <= 0 {
		return nil, errors.New("token: ttl must be greater than zero")
	}
	s := &Service{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the configured access token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue signs a token for the given subject and roles. Extra claims are
// merged into the payload without overriding the registered ones.
func (s *Service) Issue(subject int64, roles []string, extra map[string]any) (string, time.Time, error) {
	if subject <= 0 {
		return "", time.Time{}, errors.New("token: subject must be positive")
	}
	now := s.now().UTC()
	exp := now.Add(s.ttl)

	jti, err := newTokenID()
	if err != nil {
		return "", time.Time{}, err
	}
	if roles == nil {
		roles = []string{}
	}

	claims := jwt.MapClaims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["iss"] = s.issuer
	claims["aud"] = s.audience
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = exp.Unix()
	claims["sub"] = strconv.FormatInt(subject, 10)
	claims["roles"] = roles
	claims["jti"] = jti

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer, audience and the validity
// window. It never partially trusts a payload whose signature failed.
func (s *Service) Verify(raw string) (*Claims, error) {
	claims, err := s.parse(raw, false)
	if err != nil {
		return nil, ErrInvalidToken
	}
	now := s.now()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrInvalidToken
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Decode verifies the signature but tolerates an elapsed validity window.
// Logout uses it so an expired token can still be denylisted.
func (s *Service) Decode(raw string) (*Claims, error) {
	claims, err := s.parse(raw, true)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) parse(raw string, skipTimeChecks bool) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if skipTimeChecks {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	if !audienceMatches(claims.Audience, s.audience) {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.ID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func audienceMatches(aud jwt.ClaimStrings, expected string) bool {
	for _, a := range aud {
		if a == expected {
			return true
		}
	}
	return false
}

func newTokenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
