package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Singlerr/FarPlaneTwo/internal/tile"
	"github.com/Singlerr/FarPlaneTwo/pkg/logger"
	"github.com/Singlerr/FarPlaneTwo/pkg/metrics"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteStore struct {
	db     *sql.DB
	logger logger.Logger
	closed atomic.Bool
}

func NewSQLiteStore(path string, l logger.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:     db,
		logger: l,
	}

	err = s.runMigrations()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	l.Info("sqlite tile store initialized", "path", path)

	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	goose.SetBaseFS(migrations)

	err := goose.SetDialect("sqlite3")
	if err != nil {
		return err
	}

	return goose.Up(s.db, "migrations")
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Get(ctx context.Context, pos tile.Pos) (tile.Record, bool, error) {
	if s.closed.Load() {
		return tile.Record{}, false, ErrClosed
	}

	query := `SELECT timestamp, dirty_timestamp, payload
	FROM tiles
	WHERE level = ? AND x = ? AND z = ?`

	var rec tile.Record
	err := s.db.QueryRowContext(ctx, query, pos.Level, pos.X, pos.Z).
		Scan(&rec.Timestamp, &rec.DirtyTimestamp, &rec.Payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tile.Record{}, false, nil
		}
		metrics.StorageErrors.WithLabelValues("get").Inc()
		s.logger.Error("sqlite tile get failed", "pos", pos, "error", err)
		return tile.Record{}, false, err
	}

	return rec, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, pos tile.Pos, rec tile.Record) error {
	if s.closed.Load() {
		return ErrClosed
	}

	query := `INSERT INTO tiles (level, x, z, timestamp, dirty_timestamp, payload)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(level, x, z) DO UPDATE SET
		timestamp = excluded.timestamp,
		dirty_timestamp = excluded.dirty_timestamp,
		payload = excluded.payload`

	_, err := s.db.ExecContext(ctx, query, pos.Level, pos.X, pos.Z, rec.Timestamp, rec.DirtyTimestamp, rec.Payload)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("put").Inc()
		s.logger.Error("sqlite tile put failed", "pos", pos, "error", err)
		return err
	}

	return nil
}

func (s *SQLiteStore) ListDirty(ctx context.Context) ([]tile.Pos, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT level, x, z FROM tiles WHERE dirty_timestamp > timestamp`)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("list_dirty").Inc()
		return nil, err
	}
	defer rows.Close()

	var out []tile.Pos
	for rows.Next() {
		var p tile.Pos
		if err := rows.Scan(&p.Level, &p.X, &p.Z); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
