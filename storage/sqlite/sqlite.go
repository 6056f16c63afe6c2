// Package sqlite provides a SQLite implementation of the storage.Store
// interface. All models share one table keyed by (id, entity_type).
//
// Examples:
//
//	store := sqlite.New("file:gabridge.s3db", sqlite.WithPrefix("wp_"))
//	store := sqlite.New(":memory:")
//
//nolint:gosec // Reports on G202. SQL string concat used to parameterize table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/storage"

	"github.com/mattn/go-sqlite3"
)

// Option is a functional option for configuring the store.
type Option func(*store)

// WithPrefix overrides the default prefix, "gab_", for the table name.
func WithPrefix(prefix string) Option {
	return func(s *store) {
		s.prefix = prefix
	}
}

// New returns a store that provides sqlite backed storage, the table will be
// created optimistically on initialization. Any errors are considered
// non-recoverable and will panic, use SafeNew to handle them.
func New(conn string, opts ...Option) storage.Store {
	s, err := SafeNew(conn, opts...)
	if err != nil {
		panic(err.Error())
	}
	return s
}

// SafeNew is like New but returns errors instead of panicking.
func SafeNew(conn string, opts ...Option) (storage.Store, error) {
	db, err := sql.Open("sqlite3", conn)
	if err != nil {
		return nil, errors.Errorf("sqlite: failed to open connection: %w", err)
	}
	// SQLite allows a single writer, and each `:memory:` connection is a
	// separate database.
	db.SetMaxOpenConns(1)

	s := &store{
		db:     db,
		prefix: "gab_",
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

type store struct {
	db     *sql.DB
	prefix string
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) Read(ctx context.Context, id string, model storage.Model) error {
	if err := storage.ValidateReceiver(model); err != nil {
		return err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT value FROM "+s.tableName()+" WHERE id = ? AND entity_type = ?",
		id, storage.Name(model))

	var value []byte
	if err := row.Scan(&value); err != nil {
		return translateError(err)
	}
	if err := json.Unmarshal(value, model); err != nil {
		return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
	}
	return nil
}

func (s *store) Upsert(ctx context.Context, models ...storage.Model) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+s.tableName()+" (id, entity_type, value) VALUES (?, ?, ?) "+
		"ON CONFLICT (id, entity_type) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP")
	if err != nil {
		tx.Rollback()
		return translateError(err)
	}
	defer stmt.Close()

	for _, model := range models {
		value, err := json.Marshal(model)
		if err != nil {
			tx.Rollback()
			return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
		}
		if _, err := stmt.ExecContext(ctx, model.PK(), storage.Name(model), value); err != nil {
			tx.Rollback()
			return translateError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return translateError(err)
	}
	return nil
}

func (s *store) Delete(ctx context.Context, model storage.Model) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM "+s.tableName()+" WHERE id = ? AND entity_type = ?",
		model.PK(), storage.Name(model))
	if err != nil {
		return translateError(err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	return nil
}

func (s *store) Exists(ctx context.Context, id string, model storage.Model) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM "+s.tableName()+" WHERE id = ? AND entity_type = ?)",
		id, storage.Name(model)).Scan(&exists)
	if err != nil {
		return false, translateError(err)
	}
	return exists, nil
}

func (s *store) tableName() string {
	return s.prefix + "store"
}

func (s *store) ensureTable() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS ` + s.tableName() + ` (
		id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id, entity_type)
	)`)
	if err != nil {
		return errors.Errorf("sqlite: failed to create table %s: %w", s.tableName(), err)
	}
	return nil
}

func translateError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrNotFound {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	return errors.MaybeWrap(err, 0)
}
