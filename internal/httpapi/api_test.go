package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"kycgate.dev/internal/auth"
	"kycgate.dev/internal/config"
	"kycgate.dev/internal/idempotency"
	"kycgate.dev/internal/obs"
	"kycgate.dev/internal/rbac"
	"kycgate.dev/internal/respond"
	"kycgate.dev/internal/token"
)

type memUserStore struct {
	users map[int64]*auth.User
}

func (m *memUserStore) Find(ctx context.Context, id int64) (*auth.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUserStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrUserNotFound
}

func (m *memUserStore) List(ctx context.Context, limit, offset int) ([]auth.User, error) {
	var out []auth.User
	for _, u := range m.users {
		out = append(out, *u)
	}
	return out, nil
}

func (m *memUserStore) Insert(ctx context.Context, email, passwordHash string) (int64, error) {
	id := int64(len(m.users) + 1)
	m.users[id] = &auth.User{ID: id, Email: email, PasswordHash: passwordHash, Status: auth.StatusActive}
	return id, nil
}

func (m *memUserStore) UpdateEmail(ctx context.Context, id int64, email string) error {
	m.users[id].Email = email
	return nil
}

func (m *memUserStore) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	m.users[id].PasswordHash = passwordHash
	return nil
}

func (m *memUserStore) SetStatus(ctx context.Context, id int64, status string) error {
	m.users[id].Status = status
	return nil
}

type memRefreshStore struct {
	tokens map[string]*auth.RefreshToken
}

func (m *memRefreshStore) Insert(ctx context.Context, rec auth.RefreshToken) error {
	cp := rec
	m.tokens[rec.TokenHash] = &cp
	return nil
}

func (m *memRefreshStore) FindActive(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	rec, ok := m.tokens[tokenHash]
	if !ok || rec.RevokedAt.Valid || !rec.ExpiresAt.After(time.Now()) {
		return nil, auth.ErrRefreshNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRefreshStore) Rotate(ctx context.Context, oldHash string, next auth.RefreshToken) error {
	rec, ok := m.tokens[oldHash]
	if !ok || rec.RevokedAt.Valid {
		return auth.ErrRefreshReused
	}
	rec.RevokedAt.Valid = true
	rec.RevokedAt.Time = time.Now()
	return m.Insert(ctx, next)
}

func (m *memRefreshStore) Revoke(ctx context.Context, tokenHash string) error {
	if rec, ok := m.tokens[tokenHash]; ok {
		rec.RevokedAt.Valid = true
	}
	return nil
}

func (m *memRefreshStore) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	var n int64
	for _, rec := range m.tokens {
		if rec.UserID == userID && !rec.RevokedAt.Valid {
			rec.RevokedAt.Valid = true
			n++
		}
	}
	return n, nil
}

func (m *memRefreshStore) PurgeExpired(ctx context.Context) (int64, error) { return 0, nil }

type memRevocations struct {
	revoked map[string]bool
}

func (m *memRevocations) Revoke(ctx context.Context, rec token.RevokedToken) error {
	m.revoked[rec.JTI] = true
	return nil
}

func (m *memRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return m.revoked[jti], nil
}

func (m *memRevocations) PurgeExpired(ctx context.Context) (int64, error) { return 0, nil }

type memResolver struct {
	roles map[int64][]string
	perms map[int64][]string
}

func (m *memResolver) UserHasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	for _, p := range m.perms[userID] {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

func (m *memResolver) UserRoles(ctx context.Context, userID int64) ([]string, error) {
	return m.roles[userID], nil
}

func (m *memResolver) UserPermissions(ctx context.Context, userID int64) ([]string, error) {
	return m.perms[userID], nil
}

type memIdem struct {
	records map[string]*idempotency.Record
}

func (m *memIdem) Lookup(ctx context.Context, key, routeName string) (*idempotency.Record, error) {
	rec, ok := m.records[key+"|"+routeName]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memIdem) Commit(ctx context.Context, rec idempotency.Record) error {
	m.records[rec.Key+"|"+rec.RouteName] = &rec
	return nil
}

func (m *memIdem) PurgeExpired(ctx context.Context) (int64, error) { return 0, nil }

// stubCatalog satisfies the role catalog dependency; the flows under test
// never reach it.
type stubCatalog struct{}

func (stubCatalog) ListRoles(ctx context.Context) ([]rbac.Role, error)        { return nil, nil }
func (stubCatalog) FindRole(ctx context.Context, id int64) (*rbac.Role, error) {
	return nil, rbac.ErrNotFound
}
func (stubCatalog) InsertRole(ctx context.Context, name, description string) (int64, error) {
	return 1, nil
}
func (stubCatalog) UpdateRole(ctx context.Context, id int64, name, description string) error {
	return nil
}
func (stubCatalog) DeleteRole(ctx context.Context, id int64) error { return nil }
func (stubCatalog) RolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	return nil, nil
}
func (stubCatalog) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return nil
}
func (stubCatalog) ListPermissions(ctx context.Context) ([]rbac.Permission, error) { return nil, nil }
func (stubCatalog) PermissionIDsByName(ctx context.Context, names []string) ([]int64, error) {
	return nil, nil
}
func (stubCatalog) RoleIDsByName(ctx context.Context, names []string) ([]int64, error) {
	return nil, nil
}
func (stubCatalog) ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	return nil
}

type apiEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data"`
	Error         struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type apiFixture struct {
	handler http.Handler
	tokens  *token.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	tokens, err := token.NewService("0123456789abcdef0123456789abcdef", "kyc-api", "kyc-clients", time.Hour)
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	hash, err := auth.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	users := &memUserStore{users: map[int64]*auth.User{
		1: {ID: 1, Email: "admin@local.test", PasswordHash: hash, Status: auth.StatusActive},
		2: {ID: 2, Email: "analyst@local.test", PasswordHash: hash, Status: auth.StatusActive},
	}}
	refresh := &memRefreshStore{tokens: map[string]*auth.RefreshToken{}}
	revocations := &memRevocations{revoked: map[string]bool{}}
	resolver := &memResolver{
		roles: map[int64][]string{1: {"admin"}},
		perms: map[int64][]string{1: {
			"auth:me", "auth:logout", "admin:roles:create", "admin:users:disable",
		}},
	}

	svc, err := auth.NewService(users, refresh, tokens, revocations, resolver, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	catalog, err := rbac.NewService(stubCatalog{})
	if err != nil {
		t.Fatalf("rbac.NewService: %v", err)
	}
	admin, err := auth.NewAdmin(users, refresh, resolver, catalog)
	if err != nil {
		t.Fatalf("auth.NewAdmin: %v", err)
	}

	cfg := config.Config{
		Env:          "test",
		MaxBodyBytes: 1 << 20,
		RateLimit:    config.RateLimit{Limit: 1000, Window: time.Minute},
	}
	api, err := New(cfg, Deps{
		Auth:        svc,
		Admin:       admin,
		Catalog:     catalog,
		Tokens:      tokens,
		Revocations: revocations,
		Resolver:    resolver,
		Idempotency: &memIdem{records: map[string]*idempotency.Record{}},
	})
	if err != nil {
		t.Fatalf("httpapi.New: %v", err)
	}
	return &apiFixture{handler: api.Handler(), tokens: tokens}
}

func (f *apiFixture) do(t *testing.T, method, path, body, bearer string, hdr map[string]string) (*httptest.ResponseRecorder, apiEnvelope) {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	var env apiEnvelope
	if b := rr.Body.Bytes(); len(b) > 0 {
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("response is not an envelope: %v (%s)", err, b)
		}
	}
	return rr, env
}

func TestLoginIssuesVerifiableSession(t *testing.T) {
	f := newAPIFixture(t)

	rr, env := f.do(t, http.MethodPost, "/v1/auth/login",
		`{"email":"admin@local.test","password":"correct-horse"}`, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var session struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
		User         struct {
			ID    int64    `json:"id"`
			Email string   `json:"email"`
			Roles []string `json:"roles"`
		} `json:"user"`
	}
	if err := json.Unmarshal(env.Data, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.TokenType != "Bearer" || session.ExpiresIn <= 0 || session.RefreshToken == "" {
		t.Fatalf("incomplete session payload: %+v", session)
	}
	claims, err := f.tokens.Verify(session.AccessToken)
	if err != nil {
		t.Fatalf("issued access token must verify: %v", err)
	}
	if claims.SubjectID() != 1 {
		t.Fatalf("expected subject 1, got %d", claims.SubjectID())
	}
	found := false
	for _, r := range session.User.Roles {
		if r == "admin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected admin role in %v", session.User.Roles)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	f := newAPIFixture(t)
	rr, env := f.do(t, http.MethodPost, "/v1/auth/login",
		`{"email":"admin@local.test","password":"wrong"}`, "", nil)
	if rr.Code != http.StatusUnauthorized || env.Error.Code != respond.CodeUnauthorized {
		t.Fatalf("expected 401 UNAUTHORIZED, got %d %q", rr.Code, env.Error.Code)
	}
}

func TestAdminMutationRequiresIdempotencyKey(t *testing.T) {
	f := newAPIFixture(t)
	access := f.login(t)

	rr, env := f.do(t, http.MethodPost, "/v1/admin/roles", `{"name":"reviewer"}`, access, nil)
	if rr.Code != http.StatusBadRequest || env.Error.Code != respond.CodeMissingIdempotencyKey {
		t.Fatalf("expected 400 MISSING_IDEMPOTENCY_KEY, got %d %q", rr.Code, env.Error.Code)
	}
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	_, env := f.do(t, http.MethodPost, "/v1/auth/login",
		`{"email":"admin@local.test","password":"correct-horse"}`, "", nil)
	var first struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(env.Data, &first); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	rr, env := f.do(t, http.MethodPost, "/v1/auth/refresh",
		`{"refresh_token":"`+first.RefreshToken+`"}`, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh failed: %d %s", rr.Code, rr.Body.String())
	}
	var second struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(env.Data, &second); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must issue a new refresh value")
	}

	// The consumed value is single use.
	rr, env = f.do(t, http.MethodPost, "/v1/auth/refresh",
		`{"refresh_token":"`+first.RefreshToken+`"}`, "", nil)
	if rr.Code != http.StatusUnauthorized || env.Error.Code != respond.CodeUnauthorized {
		t.Fatalf("expected 401 for reused refresh, got %d %q", rr.Code, env.Error.Code)
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	f := newAPIFixture(t)
	access := f.login(t)

	rr, _ := f.do(t, http.MethodGet, "/v1/auth/me", "", access, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 before logout, got %d", rr.Code)
	}

	rr, _ = f.do(t, http.MethodPost, "/v1/auth/logout", "", access, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout failed: %d %s", rr.Code, rr.Body.String())
	}

	rr, env := f.do(t, http.MethodGet, "/v1/auth/me", "", access, nil)
	if rr.Code != http.StatusUnauthorized || env.Error.Code != respond.CodeUnauthorized {
		t.Fatalf("revoked token must be rejected, got %d %q", rr.Code, env.Error.Code)
	}
}

func TestLogoutRevokesPresentedRefreshToken(t *testing.T) {
	f := newAPIFixture(t)

	_, env := f.do(t, http.MethodPost, "/v1/auth/login",
		`{"email":"admin@local.test","password":"correct-horse"}`, "", nil)
	var session struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(env.Data, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	rr, _ := f.do(t, http.MethodPost, "/v1/auth/logout",
		`{"refresh_token":"`+session.RefreshToken+`"}`, session.AccessToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout failed: %d %s", rr.Code, rr.Body.String())
	}

	rr, env = f.do(t, http.MethodPost, "/v1/auth/refresh",
		`{"refresh_token":"`+session.RefreshToken+`"}`, "", nil)
	if rr.Code != http.StatusUnauthorized || env.Error.Code != respond.CodeUnauthorized {
		t.Fatalf("surrendered refresh token must be dead, got %d %q", rr.Code, env.Error.Code)
	}
}

func TestDisableUserRecordsTokenRevocation(t *testing.T) {
	f := newAPIFixture(t)
	access := f.login(t)

	var buf bytes.Buffer
	logger := obs.Logger()
	logger.SetOutput(&buf)
	defer logger.SetOutput(os.Stdout)

	rr, env := f.do(t, http.MethodPost, "/v1/admin/users/2/disable", "", access,
		map[string]string{"X-Idempotency-Key": "disable-2"})
	if rr.Code != http.StatusOK {
		t.Fatalf("disable failed: %d %s", rr.Code, rr.Body.String())
	}
	var view struct {
		User struct {
			Status string `json:"status"`
		} `json:"user"`
	}
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.User.Status != auth.StatusDisabled {
		t.Fatalf("expected disabled status, got %q", view.User.Status)
	}
	if !strings.Contains(buf.String(), `"event":"`+"admin.user_disabled"+`"`) {
		t.Fatalf("expected user_disabled audit line in %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"event":"`+"auth.token_revoked"+`"`) {
		t.Fatalf("expected token_revoked audit line in %s", buf.String())
	}
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPIFixture(t)
	rr, env := f.do(t, http.MethodGet, "/v1/health", "", "", nil)
	if rr.Code != http.StatusOK || !env.Success {
		t.Fatalf("expected public 200, got %d", rr.Code)
	}
	if rr.Header().Get(respond.HeaderCorrelationID) == "" {
		t.Fatal("expected correlation id header")
	}
}

func TestMetaRoutesListsPermissions(t *testing.T) {
	f := newAPIFixture(t)
	rr, env := f.do(t, http.MethodGet, "/v1/meta/routes", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var data struct {
		Routes []struct {
			Name       string `json:"name"`
			Permission string `json:"permission"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode routes: %v", err)
	}
	if len(data.Routes) == 0 {
		t.Fatal("expected route inventory")
	}
	seen := map[string]string{}
	for _, rt := range data.Routes {
		seen[rt.Name] = rt.Permission
	}
	if seen["v1.admin.roles.create"] != "admin:roles:create" {
		t.Fatalf("unexpected mapping: %v", seen)
	}
	if seen["v1.health"] != "" {
		t.Fatalf("public route must map to empty permission, got %q", seen["v1.health"])
	}
}

func (f *apiFixture) login(t *testing.T) string {
	t.Helper()
	rr, env := f.do(t, http.MethodPost, "/v1/auth/login",
		`{"email":"admin@local.test","password":"correct-horse"}`, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rr.Code, rr.Body.String())
	}
	var session struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(env.Data, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return session.AccessToken
}
