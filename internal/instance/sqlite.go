package instance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	runtime TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	credential TEXT NOT NULL DEFAULT '',
	options TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'unknown',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_instances_runtime ON instances(runtime);
`

// SQLiteStore persists instances in a sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the instance database.
// driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	if driver == "" {
		driver = "sqlite"
	}
	var dsn string
	switch driver {
	case "sqlite":
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	case "sqlite3":
		dsn = "file:" + path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("instance store: unsupported sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open instance db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply instance schema: %w", err)
	}
	// Best-effort migration for dbs created before options existed.
	_, _ = db.Exec(`ALTER TABLE instances ADD COLUMN options TEXT NOT NULL DEFAULT '{}'`)
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle for callers that share the database.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// List returns all instances ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, runtime, endpoint, credential, options, status, created_at, updated_at
		FROM instances ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Get returns one instance or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, runtime, endpoint, credential, options, status, created_at, updated_at
		FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	return inst, err
}

// Put inserts or replaces an instance. created_at is preserved on update.
func (s *SQLiteStore) Put(ctx context.Context, inst Instance) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	opts, err := json.Marshal(inst.Options)
	if err != nil {
		return fmt.Errorf("put instance %s: marshal options: %w", inst.ID, err)
	}
	if inst.Options == nil {
		opts = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO instances
		(id, name, runtime, endpoint, credential, options, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			runtime = excluded.runtime,
			endpoint = excluded.endpoint,
			credential = excluded.credential,
			options = excluded.options,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		inst.ID, inst.Name, string(inst.Runtime), inst.Endpoint, inst.Credential, string(opts),
		string(inst.Status), time.Now().UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put instance %s: %w", inst.ID, err)
	}
	return nil
}

// SetStatus records health without touching the connection descriptor.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// Delete removes an instance. Missing ids return ErrNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (Instance, error) {
	var (
		inst    Instance
		runtime string
		status  string
		opts    string
	)
	if err := r.Scan(&inst.ID, &inst.Name, &runtime, &inst.Endpoint, &inst.Credential, &opts, &status, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return Instance{}, err
	}
	inst.Runtime = Runtime(runtime)
	inst.Status = Status(status)
	if s := strings.TrimSpace(opts); s != "" && s != "{}" && s != "null" {
		if err := json.Unmarshal([]byte(s), &inst.Options); err != nil {
			return Instance{}, fmt.Errorf("instance %s: decode options: %w", inst.ID, err)
		}
	}
	return inst, nil
}
