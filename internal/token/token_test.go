package token

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T, now func() time.Time) *Service {
	t.Helper()
	opts := []Option{}
	if now != nil {
		opts = append(opts, WithClock(now))
	}
	svc, err := NewService(testSecret, "test-issuer", "test-clients", time.Hour, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	svc := newTestService(t, nil)

	raw, expiresAt, err := svc.Issue(42, []string{"admin", "operator"}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiry, got %v", expiresAt)
	}

	claims, err := svc.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.SubjectID() != 42 {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "admin" {
		t.Fatalf("roles not preserved: %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatal("expected non-empty jti")
	}
}

func TestVerifyFailsAfterExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc := newTestService(t, func() time.Time { return *clock })

	raw, _, err := svc.Issue(7, nil, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(raw); err != nil {
		t.Fatalf("fresh token must verify: %v", err)
	}

	// Exactly at expiry the token is already dead.
	expired := now.Add(time.Hour)
	clock = &expired
	if _, err := svc.Verify(raw); err == nil {
		t.Fatal("expected verification failure at expiry")
	}
}

func TestVerifyFailsBeforeNotBefore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc := newTestService(t, func() time.Time { return *clock })

	raw, _, err := svc.Issue(7, nil, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	past := now.Add(-time.Minute)
	clock = &past
	if _, err := svc.Verify(raw); err == nil {
		t.Fatal("expected verification failure before nbf")
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	svc := newTestService(t, nil)
	raw, _, err := svc.Issue(42, []string{"admin"}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		t.Fatalf("expected three segments, got %d", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := svc.Verify(tampered); err == nil {
		t.Fatal("expected failure for tampered payload")
	}
	if _, err := svc.Verify(parts[0] + "." + parts[1]); err == nil {
		t.Fatal("expected failure for malformed segment count")
	}
}

func TestVerifyRejectsWrongIssuerAudience(t *testing.T) {
	other, err := NewService(testSecret, "other-issuer", "test-clients", time.Hour)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	raw, _, err := other.Issue(42, nil, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	svc := newTestService(t, nil)
	if _, err := svc.Verify(raw); err == nil {
		t.Fatal("expected issuer mismatch failure")
	}
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewService("too-short", "iss", "aud", time.Hour); err == nil {
		t.Fatal("expected error for short secret")
	}
	if _, err := NewService(testSecret, "iss", "aud", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestDecodeToleratesExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc := newTestService(t, func() time.Time { return *clock })

	raw, _, err := svc.Issue(42, nil, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	later := now.Add(2 * time.Hour)
	clock = &later
	claims, err := svc.Decode(raw)
	if err != nil {
		t.Fatalf("Decode of expired token: %v", err)
	}
	if claims.SubjectID() != 42 {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
}
