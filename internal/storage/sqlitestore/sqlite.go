// Package sqlitestore keeps paste metadata in a single SQLite table using the
// pure-Go modernc driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"shortpaste/internal/storage"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open initializes the SQLite database at path.
func Open(path string, opts ...storage.Option) (*Store, error) {
	o := storage.BuildOptions(opts...)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// modernc serialises writers per connection; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := initialize(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: o.Now}, nil
}

func initialize(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS pastes (
    row_id INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    author TEXT NOT NULL,
    storage_path TEXT NOT NULL,
    content_type TEXT NOT NULL,
    hold_seconds INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pastes_expiry ON pastes (updated_at + hold_seconds);
`
	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

// expires_at saturates at storage.MaxExpiryUnix; a plain sum would overflow to REAL.
var selectColumns = `row_id, id, title, author, storage_path, content_type, hold_seconds, updated_at,
    ? - updated_at AS elapsed_seconds,
    CASE WHEN hold_seconds > ` + maxExpiry + ` - updated_at THEN ` + maxExpiry + `
         ELSE updated_at + hold_seconds END AS expires_at`

var maxExpiry = strconv.FormatInt(storage.MaxExpiryUnix, 10)

// Insert adds a paste row.
func (s *Store) Insert(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	if paste.UpdatedAt.IsZero() {
		paste.UpdatedAt = s.now()
	}
	paste.UpdatedAt = paste.UpdatedAt.UTC().Truncate(time.Second)

	const q = `
INSERT INTO pastes (id, title, author, storage_path, content_type, hold_seconds, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	res, err := s.db.ExecContext(ctx, q,
		paste.ID,
		paste.Title,
		paste.Author,
		paste.StoragePath,
		paste.ContentType,
		paste.HoldSeconds,
		paste.UpdatedAt.Unix(),
	)
	if err != nil {
		return errors.Wrapf(err, "insert paste %s", paste.ID)
	}
	if rowID, err := res.LastInsertId(); err == nil {
		paste.RowID = rowID
	}
	return nil
}

// Get fetches a paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	q := `SELECT ` + selectColumns + ` FROM pastes WHERE id = ?;`
	row := s.db.QueryRowContext(ctx, q, s.now().Unix(), id)
	paste, err := scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, errors.Wrapf(err, "query paste %s", id)
	}
	return paste, nil
}

// Exists reports whether a row exists for id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pastes WHERE id = ?;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "query paste %s", id)
	}
	return true, nil
}

// Delete removes a paste by id.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pastes WHERE id = ?;`, id)
	if err != nil {
		return false, errors.Wrapf(err, "delete paste %s", id)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return rows > 0, nil
}

// DeleteMany removes all listed rows with one statement.
func (s *Store) DeleteMany(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := s.db.ExecContext(ctx, `DELETE FROM pastes WHERE id IN (`+placeholders+`);`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "delete pastes")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(rows), nil
}

// List returns all rows, most recently updated first.
func (s *Store) List(ctx context.Context) ([]storage.Paste, error) {
	q := `SELECT ` + selectColumns + ` FROM pastes ORDER BY updated_at DESC, row_id DESC;`
	return s.query(ctx, q, s.now().Unix())
}

// ListExpired returns rows whose hold duration has elapsed.
func (s *Store) ListExpired(ctx context.Context) ([]storage.Paste, error) {
	now := s.now().Unix()
	q := `SELECT ` + selectColumns + ` FROM pastes WHERE updated_at + hold_seconds <= ? ORDER BY updated_at + hold_seconds;`
	return s.query(ctx, q, now, now)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]storage.Paste, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query pastes")
	}
	defer rows.Close()

	var out []storage.Paste
	for rows.Next() {
		paste, err := scan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan paste")
		}
		out = append(out, *paste)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate pastes")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*storage.Paste, error) {
	var (
		p         storage.Paste
		updatedAt int64
		expiresAt int64
	)
	if err := row.Scan(
		&p.RowID, &p.ID, &p.Title, &p.Author, &p.StoragePath, &p.ContentType,
		&p.HoldSeconds, &updatedAt, &p.ElapsedSeconds, &expiresAt,
	); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	p.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &p, nil
}
