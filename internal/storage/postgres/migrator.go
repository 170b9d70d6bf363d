package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Advisory-lock, общий для всех инстансов сервиса: миграции в кластере
// применяет только один процесс за раз.
const schemaLockKey = int64(8842190731)

const migrationsDir = "sql/migrations"

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

//go:embed sql/migrations/*.sql
var migrationFiles embed.FS

// revision — пара up/down SQL одной версии схемы. Файлы именуются
// NNNN_name.up.sql / NNNN_name.down.sql.
type revision struct {
	version int64
	name    string
	up      string
	down    string
}

func (r revision) label() string {
	return fmt.Sprintf("%d_%s", r.version, r.name)
}

// loadRevisions читает каталог миграций и возвращает ревизии по возрастанию
// версии. Любой файл, не укладывающийся в схему именования, считается
// ошибкой: молча пропущенная миграция хуже упавшего старта.
func loadRevisions(fsys fs.FS) ([]revision, error) {
	files, err := fs.Glob(fsys, migrationsDir+"/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*revision)
	for _, file := range files {
		base := path.Base(file)

		var direction string
		stem := base
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			direction = "up"
			stem = strings.TrimSuffix(base, ".up.sql")
		case strings.HasSuffix(base, ".down.sql"):
			direction = "down"
			stem = strings.TrimSuffix(base, ".down.sql")
		default:
			return nil, fmt.Errorf("unrecognized migration file: %s", base)
		}

		versionRaw, name, ok := strings.Cut(stem, "_")
		if !ok || name == "" {
			return nil, fmt.Errorf("migration file without version or name: %s", base)
		}
		version, err := strconv.ParseInt(versionRaw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version of %s: %w", base, err)
		}

		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		sqlText := strings.TrimSpace(string(body))
		if sqlText == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		rev := byVersion[version]
		if rev == nil {
			rev = &revision{version: version, name: name}
			byVersion[version] = rev
		} else if rev.name != name {
			return nil, fmt.Errorf("version %d maps to two names: %s and %s", version, rev.name, name)
		}

		switch direction {
		case "up":
			if rev.up != "" {
				return nil, fmt.Errorf("duplicate up migration %s", rev.label())
			}
			rev.up = sqlText
		case "down":
			if rev.down != "" {
				return nil, fmt.Errorf("duplicate down migration %s", rev.label())
			}
			rev.down = sqlText
		}
	}

	revisions := make([]revision, 0, len(byVersion))
	for _, rev := range byVersion {
		if rev.up == "" {
			return nil, fmt.Errorf("migration %s has no up file", rev.label())
		}
		if rev.down == "" {
			return nil, fmt.Errorf("migration %s has no down file", rev.label())
		}
		revisions = append(revisions, *rev)
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i].version < revisions[j].version })
	return revisions, nil
}

// MigrateUp применяет недостающие up-миграции. steps=0 — применить все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withSchemaLock(ctx, func(conn *sql.Conn, revisions []revision) error {
		return ascend(ctx, conn, revisions, steps)
	})
}

// MigrateDown откатывает последние миграции. steps<=0 трактуется как один
// шаг: полный откат должен быть явным.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withSchemaLock(ctx, func(conn *sql.Conn, revisions []revision) error {
		return descend(ctx, conn, revisions, steps)
	})
}

// MigrationStatus возвращает максимальную применённую версию и число
// применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errNotInitialized
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, createMigrationsTable); err != nil {
		return 0, 0, fmt.Errorf("ensure migration table: %w", err)
	}

	var (
		version int64
		count   int
	)
	err := s.db.QueryRowContext(queryCtx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`,
	).Scan(&version, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("query migration status: %w", err)
	}
	return version, count, nil
}

// withSchemaLock выделяет соединение, берёт advisory-lock, готовит таблицу
// версий и отдаёт управление fn.
func (s *Store) withSchemaLock(ctx context.Context, fn func(*sql.Conn, []revision) error) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}

	revisions, err := loadRevisions(migrationFiles)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn, revisions)
}

func ascend(ctx context.Context, conn *sql.Conn, revisions []revision, steps int) error {
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	done := 0
	for _, rev := range revisions {
		if applied[rev.version] {
			continue
		}
		rev := rev
		err := inTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, rev.up); err != nil {
				return fmt.Errorf("apply migration %s: %w", rev.label(), err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
				rev.version, rev.name,
			); err != nil {
				return fmt.Errorf("record migration %s: %w", rev.label(), err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		done++
		if steps > 0 && done >= steps {
			break
		}
	}
	return nil
}

func descend(ctx context.Context, conn *sql.Conn, revisions []revision, steps int) error {
	byVersion := make(map[int64]revision, len(revisions))
	for _, rev := range revisions {
		byVersion[rev.version] = rev
	}

	versions, err := latestAppliedVersions(ctx, conn, steps)
	if err != nil {
		return err
	}

	for _, version := range versions {
		rev, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("cannot rollback unknown migration version %d", version)
		}
		err := inTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, rev.down); err != nil {
				return fmt.Errorf("rollback migration %s: %w", rev.label(), err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM schema_migrations WHERE version = $1`, rev.version,
			); err != nil {
				return fmt.Errorf("unrecord migration %s: %w", rev.label(), err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

func latestAppliedVersions(ctx context.Context, conn *sql.Conn, limit int) ([]int64, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest migrations: %w", err)
	}
	defer rows.Close()

	versions := make([]int64, 0, limit)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan latest version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest migrations: %w", err)
	}
	return versions, nil
}
