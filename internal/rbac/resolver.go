// Package rbac resolves user permissions through the role join tables and
// manages the role/permission catalog.
package rbac

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Resolver answers permission questions for the authorization gate.
type Resolver interface {
	// UserHasPermission is true iff a role assigned to the user grants the
	// permission. Invalid ids or empty permission names resolve to false.
	UserHasPermission(ctx context.Context, userID int64, permission string) (bool, error)
	UserRoles(ctx context.Context, userID int64) ([]string, error)
	UserPermissions(ctx context.Context, userID int64) ([]string, error)
}

// PGResolver implements Resolver with role→permission joins on PostgreSQL.
type PGResolver struct {
	db *sql.DB
}

var _ Resolver = (*PGResolver)(nil)

// NewPGResolver wraps the given pool.
func NewPGResolver(db *sql.DB) *PGResolver {
	return &PGResolver{db: db}
}

func (r *PGResolver) UserHasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	permission = strings.TrimSpace(permission)
	if userID <= 0 || permission == "" {
		return false, nil
	}
	var one int
	err := r.db.QueryRowContext(ctx, `
		select 1
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1 and p.name = $2
		limit 1`, userID, permission).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *PGResolver) UserRoles(ctx context.Context, userID int64) ([]string, error) {
	if userID <= 0 {
		return nil, nil
	}
	return r.queryNames(ctx, `
		select r.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.name`, userID)
}

func (r *PGResolver) UserPermissions(ctx context.Context, userID int64) ([]string, error) {
	if userID <= 0 {
		return nil, nil
	}
	return r.queryNames(ctx, `
		select distinct p.name
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
		order by p.name`, userID)
}

func (r *PGResolver) queryNames(ctx context.Context, query string, userID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		names []string
		seen  = make(map[string]struct{})
	)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names, rows.Err()
}
