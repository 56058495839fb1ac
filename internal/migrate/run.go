// Package migrate applies the job store schema. Migrations are embedded SQL files named
// NNN_description.sql and are applied in version order, each in its own transaction,
// while holding a Postgres advisory lock so concurrent service instances take turns.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Dir is the embedded directory holding the migration files.
const Dir = "migrations"

// advisoryLockKey serializes migration runs across processes sharing a database.
const advisoryLockKey int64 = 0x7472697063 // "tripc"

//go:embed migrations/*.sql
var migrationsFS embed.FS

var fileNamePattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// jobsColumns are the columns the job repository reads and writes.
var jobsColumns = []string{
	"id", "type", "status", "priority", "progress", "payload", "result",
	"error", "error_class", "retry_count", "max_retries",
	"created_at", "updated_at", "started_at", "completed_at",
}

// ErrSchemaMismatch is returned when the jobs table lacks columns the repository needs.
var ErrSchemaMismatch = errors.New("jobs schema mismatch")

// Migration is one schema step.
type Migration struct {
	Version   int
	Name      string
	File      string
	AppliedAt *time.Time
}

// ID is the key recorded in schema_migrations.
func (m Migration) ID() string { return strings.TrimSuffix(m.File, ".sql") }

// Applied reports whether the migration has been recorded.
func (m Migration) Applied() bool { return m.AppliedAt != nil }

// Runner applies embedded migrations to one database.
type Runner struct {
	db     *sql.DB
	fsys   fs.FS
	logger *slog.Logger
}

// NewRunner constructs a Runner over the embedded migrations.
func NewRunner(db *sql.DB, logger *slog.Logger) (*Runner, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{db: db, fsys: migrationsFS, logger: logger.With("component", "migrations")}, nil
}

// Run applies every pending migration and checks the resulting jobs schema.
// It is safe to call multiple times.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	r, err := NewRunner(db, logger)
	if err != nil {
		return err
	}
	_, err = r.Up(ctx)
	return err
}

// Load returns the embedded migrations sorted by version.
func Load() ([]Migration, error) {
	return load(migrationsFS)
}

func load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, Dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("migration %s: name must match NNN_description.sql", e.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: invalid version %q", e.Name(), m[1])
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), version)
		}
		seen[version] = e.Name()
		out = append(out, Migration{Version: version, Name: m[2], File: e.Name()})
	}
	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

// Status lists every embedded migration with its applied time, if any.
func (r *Runner) Status(ctx context.Context) ([]Migration, error) {
	migrations, err := load(r.fsys)
	if err != nil {
		return nil, err
	}
	if err := ensureVersionTable(ctx, r.db); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, r.db)
	if err != nil {
		return nil, err
	}
	for i := range migrations {
		if at, ok := applied[migrations[i].ID()]; ok {
			migrations[i].AppliedAt = &at
		}
	}
	return migrations, nil
}

// Up applies pending migrations in version order and returns the ones it applied.
func (r *Runner) Up(ctx context.Context) ([]Migration, error) {
	migrations, err := load(r.fsys)
	if err != nil {
		return nil, err
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire migration connection: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			r.logger.WarnContext(ctx, "close migration connection", "error", closeErr)
		}
	}()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, unlockErr := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockKey); unlockErr != nil {
			r.logger.WarnContext(ctx, "release migration lock", "error", unlockErr)
		}
	}()

	if err := ensureVersionTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}

	var done []Migration
	for _, m := range migrations {
		if _, ok := applied[m.ID()]; ok {
			continue
		}
		start := time.Now()
		if err := r.apply(ctx, conn, m); err != nil {
			return done, err
		}
		r.logger.InfoContext(ctx, "migration applied", "version", m.Version, "name", m.Name, "duration", time.Since(start))
		done = append(done, m)
	}

	if err := verifyJobsSchema(ctx, conn); err != nil {
		return done, err
	}
	if len(done) == 0 {
		r.logger.DebugContext(ctx, "schema up to date", "latest", latestVersion(migrations))
	}
	return done, nil
}

func (r *Runner) apply(ctx context.Context, conn *sql.Conn, m Migration) error {
	body, err := fs.ReadFile(r.fsys, path.Join(Dir, m.File))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", m.File, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.File, err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.ErrorContext(ctx, "rollback migration", "error", rbErr, "file", m.File)
		}
	}()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("exec migration %s: %w", m.File, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.ID()); err != nil {
		return fmt.Errorf("record migration %s: %w", m.File, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.File, err)
	}
	return nil
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func ensureVersionTable(ctx context.Context, db execQueryer) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db execQueryer) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			version string
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		out[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	return out, nil
}

// verifyJobsSchema checks the jobs table visible on the search path has every column
// the repository uses.
func verifyJobsSchema(ctx context.Context, db execQueryer) error {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_name = 'jobs'
		  AND table_schema = (
			SELECT n.nspname
			FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE c.oid = to_regclass('jobs')
		  )`)
	if err != nil {
		return fmt.Errorf("inspect jobs schema: %w", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan jobs column: %w", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect jobs schema: %w", err)
	}
	if missing := missingColumns(have); len(missing) > 0 {
		return fmt.Errorf("%w: missing columns %s", ErrSchemaMismatch, strings.Join(missing, ", "))
	}
	return nil
}

func missingColumns(have map[string]bool) []string {
	var missing []string
	for _, c := range jobsColumns {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

func latestVersion(migrations []Migration) int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
