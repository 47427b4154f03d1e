package rbac

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("rbac: invalid input")
	ErrNotFound     = errors.New("rbac: not found")
	ErrSystemRole   = errors.New("rbac: system roles cannot be modified")
)

var roleNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Role groups permissions. System roles reject update, delete and
// permission reassignment.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	Permissions []string  `json:"permissions,omitempty"`
}

// Permission is an opaque capability token (domain:action convention).
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoleUpdate carries optional role field changes.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// Store persists the role/permission catalog.
type Store interface {
	ListRoles(ctx context.Context) ([]Role, error)
	FindRole(ctx context.Context, id int64) (*Role, error)
	InsertRole(ctx context.Context, name, description string) (int64, error)
	UpdateRole(ctx context.Context, id int64, name, description string) error
	DeleteRole(ctx context.Context, id int64) error
	RolePermissions(ctx context.Context, roleID int64) ([]string, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error

	ListPermissions(ctx context.Context) ([]Permission, error)
	PermissionIDsByName(ctx context.Context, names []string) ([]int64, error)

	RoleIDsByName(ctx context.Context, names []string) ([]int64, error)
	ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64) error
}

// Service exposes the admin catalog operations with input validation.
type Service struct {
	store Store
}

// NewService constructs the catalog service.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &Service{store: store}, nil
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

func (s *Service) GetRole(ctx context.Context, id int64) (*Role, error) {
	role, err := s.findRole(ctx, id)
	if err != nil {
		return nil, err
	}
	perms, err := s.store.RolePermissions(ctx, id)
	if err != nil {
		return nil, err
	}
	role.Permissions = perms
	return role, nil
}

func (s *Service) CreateRole(ctx context.Context, name, description string) (*Role, error) {
	name, err := normalizeRoleName(name)
	if err != nil {
		return nil, err
	}
	id, err := s.store.InsertRole(ctx, name, strings.TrimSpace(description))
	if err != nil {
		return nil, err
	}
	return s.GetRole(ctx, id)
}

func (s *Service) UpdateRole(ctx context.Context, id int64, upd RoleUpdate) (*Role, error) {
	role, err := s.findRole(ctx, id)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, ErrSystemRole
	}
	name := role.Name
	if upd.Name != nil {
		name, err = normalizeRoleName(*upd.Name)
		if err != nil {
			return nil, err
		}
	}
	description := role.Description
	if upd.Description != nil {
		description = strings.TrimSpace(*upd.Description)
	}
	if err := s.store.UpdateRole(ctx, id, name, description); err != nil {
		return nil, err
	}
	return s.GetRole(ctx, id)
}

func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	role, err := s.findRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: system roles cannot be deleted", ErrSystemRole)
	}
	return s.store.DeleteRole(ctx, id)
}

// AssignPermissions replaces the full permission set of a role.
func (s *Service) AssignPermissions(ctx context.Context, roleID int64, permissionNames []string) (*Role, error) {
	role, err := s.findRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, ErrSystemRole
	}
	names := dedupe(permissionNames)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: permissions must be a non-empty array", ErrInvalidInput)
	}
	ids, err := s.store.PermissionIDsByName(ctx, names)
	if err != nil {
		return nil, err
	}
	if len(ids) != len(names) {
		return nil, fmt.Errorf("%w: one or more permissions are invalid", ErrInvalidInput)
	}
	if err := s.store.ReplaceRolePermissions(ctx, roleID, ids); err != nil {
		return nil, err
	}
	return s.GetRole(ctx, roleID)
}

func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// ReplaceUserRoles replaces the full role set of a user by role name.
func (s *Service) ReplaceUserRoles(ctx context.Context, userID int64, roleNames []string) error {
	if userID <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	names := dedupe(roleNames)
	if len(names) == 0 {
		return fmt.Errorf("%w: roles must be a non-empty array", ErrInvalidInput)
	}
	ids, err := s.store.RoleIDsByName(ctx, names)
	if err != nil {
		return err
	}
	if len(ids) != len(names) {
		return fmt.Errorf("%w: one or more roles are invalid", ErrInvalidInput)
	}
	return s.store.ReplaceUserRoles(ctx, userID, ids)
}

func (s *Service) findRole(ctx context.Context, id int64) (*Role, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: role id must be positive", ErrInvalidInput)
	}
	return s.store.FindRole(ctx, id)
}

func normalizeRoleName(name string) (string, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" || len(name) > 64 {
		return "", fmt.Errorf("%w: role name must be 1..64 characters", ErrInvalidInput)
	}
	if !roleNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: role name must match [a-z0-9_]+", ErrInvalidInput)
	}
	return name, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
