package rbac

import (
	"context"
	"database/sql"
	"errors"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps the given pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, name, description, is_system, created_at from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var (
			role Role
			desc sql.NullString
		)
		if err := rows.Scan(&role.ID, &role.Name, &desc, &role.IsSystem, &role.CreatedAt); err != nil {
			return nil, err
		}
		role.Description = desc.String
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PGStore) FindRole(ctx context.Context, id int64) (*Role, error) {
	var (
		role Role
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`select id, name, description, is_system, created_at from roles where id=$1`, id,
	).Scan(&role.ID, &role.Name, &desc, &role.IsSystem, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	role.Description = desc.String
	return &role, nil
}

func (s *PGStore) InsertRole(ctx context.Context, name, description string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`insert into roles(name, description, is_system) values($1,$2,false) returning id`,
		name, nullableString(description),
	).Scan(&id)
	return id, err
}

func (s *PGStore) UpdateRole(ctx context.Context, id int64, name, description string) error {
	res, err := s.db.ExecContext(ctx,
		`update roles set name=$2, description=$3 where id=$1`,
		id, name, nullableString(description))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) DeleteRole(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from user_roles where role_id=$1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from roles where id=$1`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) RolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.name from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PGStore) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for _, pid := range permissionIDs {
		if _, err := tx.ExecContext(ctx,
			`insert into role_permissions(role_id, permission_id) values($1,$2) on conflict do nothing`,
			roleID, pid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, name, description, created_at from permissions order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var (
			p    Permission
			desc sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &desc, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *PGStore) PermissionIDsByName(ctx context.Context, names []string) ([]int64, error) {
	return s.idsByName(ctx, `select id from permissions where name = any($1)`, names)
}

func (s *PGStore) RoleIDsByName(ctx context.Context, names []string) ([]int64, error) {
	return s.idsByName(ctx, `select id from roles where name = any($1)`, names)
}

func (s *PGStore) ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id=$1`, userID); err != nil {
		return err
	}
	for _, rid := range roleIDs {
		if _, err := tx.ExecContext(ctx,
			`insert into user_roles(user_id, role_id) values($1,$2) on conflict do nothing`,
			userID, rid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGStore) idsByName(ctx context.Context, query string, names []string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
