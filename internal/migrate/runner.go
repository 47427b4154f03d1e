// Package migrate applies the SQL schema and seed files shipped with the
// binary.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const ledgerTable = "schema_changes"

// Kinds tracked in the ledger.
const (
	kindMigration = "migration"
	kindSeed      = "seed"
)

// Runner applies .up.sql/.down.sql migrations and one-shot seed files from a
// filesystem, typically an embed.FS compiled into the binary.
type Runner struct {
	db    *sql.DB
	files fs.FS
}

// NewRunner constructs a Runner over the given filesystem. Migrations are
// expected under migrations/, seeds under seeds/.
func NewRunner(db *sql.DB, files fs.FS) (*Runner, error) {
	if db == nil {
		return nil, errors.New("migrate: database is required")
	}
	if files == nil {
		return nil, errors.New("migrate: filesystem is required")
	}
	return &Runner{db: db, files: files}, nil
}

// Up applies all pending migrations in lexical order.
func (r *Runner) Up(ctx context.Context) error {
	if err := r.ensureLedger(ctx); err != nil {
		return err
	}
	applied, err := r.applied(ctx, kindMigration)
	if err != nil {
		return err
	}
	names, err := r.list("migrations", ".up.sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		if err := r.execFile(ctx, "migrations/"+name); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if err := r.record(ctx, kindMigration, name); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.ensureLedger(ctx); err != nil {
		return err
	}
	history, err := r.history(ctx, kindMigration)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("no migrations applied")
	}
	last := history[len(history)-1]
	downName := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	if err := r.execFile(ctx, "migrations/"+downName); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	_, err = r.db.ExecContext(ctx,
		`delete from `+ledgerTable+` where kind=$1 and name=$2`, kindMigration, last)
	return err
}

// Status returns applied migrations in application order.
func (r *Runner) Status(ctx context.Context) ([]string, error) {
	if err := r.ensureLedger(ctx); err != nil {
		return nil, err
	}
	return r.history(ctx, kindMigration)
}

// Seed applies pending seed files. Each file runs at most once; the files
// themselves are also written to be idempotent.
func (r *Runner) Seed(ctx context.Context) error {
	if err := r.ensureLedger(ctx); err != nil {
		return err
	}
	applied, err := r.applied(ctx, kindSeed)
	if err != nil {
		return err
	}
	names, err := r.list("seeds", ".sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		if err := r.execFile(ctx, "seeds/"+name); err != nil {
			return fmt.Errorf("apply seed %s: %w", name, err)
		}
		if err := r.record(ctx, kindSeed, name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) ensureLedger(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		create table if not exists `+ledgerTable+` (
			kind text not null,
			name text not null,
			applied_at timestamptz not null default now(),
			primary key (kind, name)
		)`)
	return err
}

func (r *Runner) list(dir, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(r.files, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (r *Runner) execFile(ctx context.Context, path string) error {
	raw, err := fs.ReadFile(r.files, path)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Runner) record(ctx context.Context, kind, name string) error {
	_, err := r.db.ExecContext(ctx,
		`insert into `+ledgerTable+`(kind, name, applied_at) values($1,$2,$3)
		 on conflict (kind, name) do nothing`,
		kind, name, time.Now().UTC())
	return err
}

func (r *Runner) applied(ctx context.Context, kind string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`select name from `+ledgerTable+` where kind=$1`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func (r *Runner) history(ctx context.Context, kind string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`select name from `+ledgerTable+` where kind=$1 order by applied_at, name`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// splitStatements breaks a SQL file on semicolons outside string literals.
func splitStatements(sql string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	for _, r := range sql {
		switch r {
		case '\'':
			inString = !inString
			current.WriteRune(r)
		case ';':
			current.WriteRune(r)
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
