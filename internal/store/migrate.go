package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"cowrite/api/db/migrations"
	"cowrite/api/internal/logger"
)

// migrationLockKey is the advisory lock every replica takes before touching
// schema_migrations.
const migrationLockKey int64 = 0x636f7772

// ErrMigrationDrift is returned when an applied migration no longer matches its file.
var ErrMigrationDrift = errors.New("applied migration changed since it ran")

var migrationName = regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)

type migration struct {
	version  string
	up       string
	down     string
	upSQL    string
	downSQL  string
	checksum string
}

// MigrationsFS returns the embedded schema, or dir when one is configured.
func MigrationsFS(dir string) fs.FS {
	if strings.TrimSpace(dir) == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := map[string]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		contents, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		m := byVersion[match[1]]
		if m == nil {
			m = &migration{version: match[1]}
			byVersion[match[1]] = m
		}
		target, body := &m.up, &m.upSQL
		if match[2] == "down" {
			target, body = &m.down, &m.downSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("migration %s has two %s files", match[1], match[2])
		}
		*target, *body = entry.Name(), string(contents)
	}

	list := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" || m.down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", m.version)
		}
		m.checksum = checksum(m.upSQL)
		list = append(list, *m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].version < list[j].version })
	return list, nil
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// ApplyMigrations runs pending up migrations in version order and returns the
// ones it applied. Each runs in its own transaction under a Postgres advisory
// lock, so replicas booting together apply every file exactly once.
func ApplyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	list, err := loadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	if err := withMigrationLock(ctx, db, ensureMigrationsTable); err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range list {
		ran := false
		err := withMigrationLock(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			recorded, ok, err := recordedChecksum(ctx, tx, m.up)
			if err != nil || ok {
				if ok && recorded != m.checksum {
					return fmt.Errorf("%w: %s", ErrMigrationDrift, m.up)
				}
				return err
			}
			if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
				return fmt.Errorf("execute migration %s: %w", m.up, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES($1, $2)`, m.up, m.checksum); err != nil {
				return fmt.Errorf("record migration %s: %w", m.up, err)
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, err
		}
		if ran {
			applied = append(applied, m.up)
			logger.Sugar.Infow("applied migration", "version", m.up)
		}
	}
	return applied, nil
}

// RollbackMigrations reverts up to steps applied migrations, newest first.
// steps <= 0 reverts all of them.
func RollbackMigrations(ctx context.Context, db *sql.DB, fsys fs.FS, steps int) ([]string, error) {
	list, err := loadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	if err := withMigrationLock(ctx, db, ensureMigrationsTable); err != nil {
		return nil, err
	}

	var reverted []string
	for i := len(list) - 1; i >= 0; i-- {
		if steps > 0 && len(reverted) == steps {
			break
		}
		m := list[i]
		ran := false
		err := withMigrationLock(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			if _, ok, err := recordedChecksum(ctx, tx, m.up); err != nil || !ok {
				return err
			}
			if _, err := tx.ExecContext(ctx, m.downSQL); err != nil {
				return fmt.Errorf("revert migration %s: %w", m.down, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.up); err != nil {
				return fmt.Errorf("unrecord migration %s: %w", m.up, err)
			}
			ran = true
			return nil
		})
		if err != nil {
			return reverted, err
		}
		if ran {
			reverted = append(reverted, m.down)
			logger.Sugar.Infow("reverted migration", "version", m.down)
		}
	}
	return reverted, nil
}

func withMigrationLock(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock migrations: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func recordedChecksum(ctx context.Context, tx *sql.Tx, version string) (string, bool, error) {
	var recorded string
	err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version=$1`, version).Scan(&recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return recorded, true, nil
}
