package rbac

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestRegistryLookupDistinguishesPublicFromUnknown(t *testing.T) {
	reg := NewRegistry(map[string]Requirement{
		"v1.health":           {Public: true},
		"v1.admin.users.list": {Permission: "admin:users:list"},
	})

	req, ok := reg.Lookup("v1.health")
	if !ok || !req.Public {
		t.Fatalf("expected public requirement, got %+v ok=%v", req, ok)
	}
	req, ok = reg.Lookup("v1.admin.users.list")
	if !ok || req.Permission != "admin:users:list" {
		t.Fatalf("unexpected requirement: %+v", req)
	}
	if _, ok := reg.Lookup("v1.unknown"); ok {
		t.Fatal("unknown route must not resolve")
	}

	routes := reg.Routes()
	if len(routes) != 2 || routes[0].Name != "v1.admin.users.list" {
		t.Fatalf("expected sorted introspection rows, got %+v", routes)
	}
}

func TestPGResolverUserHasPermission(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	r := NewPGResolver(db)

	mock.ExpectQuery("select 1").
		WithArgs(int64(42), "admin:users:list").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	ok, err := r.UserHasPermission(context.Background(), 42, "admin:users:list")
	if err != nil || !ok {
		t.Fatalf("expected grant, got ok=%v err=%v", ok, err)
	}

	mock.ExpectQuery("select 1").
		WithArgs(int64(42), "admin:roles:delete").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	ok, err = r.UserHasPermission(context.Background(), 42, "admin:roles:delete")
	if err != nil || ok {
		t.Fatalf("expected denial, got ok=%v err=%v", ok, err)
	}

	// Invalid input never reaches the database.
	if ok, err := r.UserHasPermission(context.Background(), 0, "x"); err != nil || ok {
		t.Fatalf("invalid user id must resolve to false, got ok=%v err=%v", ok, err)
	}
	if ok, err := r.UserHasPermission(context.Background(), 42, "  "); err != nil || ok {
		t.Fatalf("empty permission must resolve to false, got ok=%v err=%v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGResolverUserPermissionsDeduped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	r := NewPGResolver(db)

	mock.ExpectQuery(regexp.QuoteMeta("select distinct p.name")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("auth:me").AddRow("auth:me").AddRow("auth:logout"))
	perms, err := r.UserPermissions(context.Background(), 7)
	if err != nil {
		t.Fatalf("UserPermissions: %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("expected 2 deduped permissions, got %v", perms)
	}
}

type fakeStore struct {
	roles map[int64]*Role
	perms map[int64][]string

	replacedRolePerms []int64
	replacedUserRoles []int64
}

func (f *fakeStore) ListRoles(ctx context.Context) ([]Role, error) {
	var out []Role
	for _, r := range f.roles {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeStore) FindRole(ctx context.Context, id int64) (*Role, error) {
	r, ok := f.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) InsertRole(ctx context.Context, name, description string) (int64, error) {
	id := int64(len(f.roles) + 1)
	f.roles[id] = &Role{ID: id, Name: name, Description: description, CreatedAt: time.Now()}
	return id, nil
}

func (f *fakeStore) UpdateRole(ctx context.Context, id int64, name, description string) error {
	r, ok := f.roles[id]
	if !ok {
		return ErrNotFound
	}
	r.Name, r.Description = name, description
	return nil
}

func (f *fakeStore) DeleteRole(ctx context.Context, id int64) error {
	if _, ok := f.roles[id]; !ok {
		return ErrNotFound
	}
	delete(f.roles, id)
	return nil
}

func (f *fakeStore) RolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	return f.perms[roleID], nil
}

func (f *fakeStore) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	f.replacedRolePerms = permissionIDs
	return nil
}

func (f *fakeStore) ListPermissions(ctx context.Context) ([]Permission, error) { return nil, nil }

func (f *fakeStore) PermissionIDsByName(ctx context.Context, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for i, n := range names {
		if n == "bogus:perm" {
			continue
		}
		ids = append(ids, int64(i+1))
	}
	return ids, nil
}

func (f *fakeStore) RoleIDsByName(ctx context.Context, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for i := range names {
		ids = append(ids, int64(i+1))
	}
	return ids, nil
}

func (f *fakeStore) ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	f.replacedUserRoles = roleIDs
	return nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles: map[int64]*Role{
			1: {ID: 1, Name: "admin", IsSystem: true},
			2: {ID: 2, Name: "operator"},
		},
		perms: map[int64][]string{1: {"auth:me"}},
	}
}

func TestServiceRejectsSystemRoleMutation(t *testing.T) {
	svc, err := NewService(newFakeStore())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	name := "renamed"
	if _, err := svc.UpdateRole(ctx, 1, RoleUpdate{Name: &name}); !errors.Is(err, ErrSystemRole) {
		t.Fatalf("expected ErrSystemRole on update, got %v", err)
	}
	if err := svc.DeleteRole(ctx, 1); !errors.Is(err, ErrSystemRole) {
		t.Fatalf("expected ErrSystemRole on delete, got %v", err)
	}
	if _, err := svc.AssignPermissions(ctx, 1, []string{"auth:me"}); !errors.Is(err, ErrSystemRole) {
		t.Fatalf("expected ErrSystemRole on permission reassignment, got %v", err)
	}
}

func TestServiceValidatesRoleNames(t *testing.T) {
	svc, err := NewService(newFakeStore())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	if _, err := svc.CreateRole(ctx, "Bad Name!", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	role, err := svc.CreateRole(ctx, "  Reviewer ", "KYC reviewer")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.Name != "reviewer" {
		t.Fatalf("expected normalized name, got %q", role.Name)
	}
}

func TestServiceAssignPermissionsRejectsUnknown(t *testing.T) {
	store := newFakeStore()
	svc, err := NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	if _, err := svc.AssignPermissions(ctx, 2, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty set, got %v", err)
	}
	if _, err := svc.AssignPermissions(ctx, 2, []string{"auth:me", "bogus:perm"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown permission, got %v", err)
	}
	if _, err := svc.AssignPermissions(ctx, 2, []string{"auth:me", "auth:me"}); err != nil {
		t.Fatalf("AssignPermissions: %v", err)
	}
	if len(store.replacedRolePerms) != 1 {
		t.Fatalf("expected deduped single permission, got %v", store.replacedRolePerms)
	}
}
