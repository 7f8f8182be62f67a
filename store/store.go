package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/framepatch/patch"
)

// ErrNotFound is returned when a named feature does not exist.
var ErrNotFound = errors.New("store: not found")

// Schema is applied by New. Feature definitions are stored as JSON so they
// can be edited with any SQLite client; the daemon picks edits up through
// PRAGMA data_version.
const Schema = `
CREATE TABLE IF NOT EXISTS features (
	name       TEXT PRIMARY KEY,
	definition TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS patch_events (
	id          TEXT PRIMARY KEY,
	feature     TEXT NOT NULL,
	document    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	rule        TEXT NOT NULL,
	count       INTEGER NOT NULL DEFAULT 0,
	ok          INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_patch_events_feature ON patch_events(feature, created_at);
`

// Store is the feature and audit database.
type Store struct {
	db    *sql.DB
	newID func() string
	now   func() time.Time
}

// New wraps an open database and applies Schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &Store{
		db:    db,
		newID: func() string { return "evt_" + uuid.Must(uuid.NewV7()).String() },
		now:   time.Now,
	}, nil
}

// DB exposes the handle for change detection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// UpsertFeature validates f and stores it under its name.
func (s *Store) UpsertFeature(ctx context.Context, f patch.Feature) error {
	if err := f.Validate(); err != nil {
		return err
	}
	def, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("store: encode feature %s: %w", f.Name, err)
	}
	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO features (name, definition, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at
		`, f.Name, string(def), s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("store: upsert feature %s: %w", f.Name, err)
		}
		return nil
	})
}

// GetFeature returns the named feature or ErrNotFound.
func (s *Store) GetFeature(ctx context.Context, name string) (patch.Feature, error) {
	var def string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM features WHERE name = ?`, name).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return patch.Feature{}, fmt.Errorf("%w: feature %s", ErrNotFound, name)
	}
	if err != nil {
		return patch.Feature{}, fmt.Errorf("store: get feature %s: %w", name, err)
	}
	return decodeFeature(name, def)
}

// ListFeatures returns every stored feature ordered by name. Rows that fail
// to decode or validate are skipped and reported in the joined error, so
// one bad edit does not take the others down.
func (s *Store) ListFeatures(ctx context.Context) ([]patch.Feature, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, definition FROM features ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list features: %w", err)
	}
	defer rows.Close()

	var out []patch.Feature
	var errs []error
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return nil, fmt.Errorf("store: scan feature: %w", err)
		}
		f, err := decodeFeature(name, def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list features: %w", err)
	}
	return out, errors.Join(errs...)
}

// DeleteFeature removes the named feature or returns ErrNotFound.
func (s *Store) DeleteFeature(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM features WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: delete feature %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: feature %s", ErrNotFound, name)
	}
	return nil
}

func decodeFeature(name, def string) (patch.Feature, error) {
	var f patch.Feature
	if err := json.Unmarshal([]byte(def), &f); err != nil {
		return f, fmt.Errorf("store: decode feature %s: %w", name, err)
	}
	if f.Name == "" {
		f.Name = name
	}
	if f.Name != name {
		return f, fmt.Errorf("store: feature row %s holds definition named %s", name, f.Name)
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}

// DataVersion reads PRAGMA data_version, which moves when another
// connection commits to the database file.
func (s *Store) DataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("store: data_version: %w", err)
	}
	return v, nil
}
