package store

import (
	"context"
	"errors"

	"github.com/Singlerr/FarPlaneTwo/internal/tile"
)

var ErrClosed = errors.New("tile store closed")

// Store persists tile records keyed by position.
type Store interface {
	Get(ctx context.Context, pos tile.Pos) (tile.Record, bool, error)
	// Put inserts or replaces the record at pos.
	Put(ctx context.Context, pos tile.Pos, rec tile.Record) error
	// ListDirty returns every position whose dirty timestamp is newer than
	// its timestamp.
	ListDirty(ctx context.Context) ([]tile.Pos, error)
	Close() error
}

func isDirty(rec tile.Record) bool {
	return rec.DirtyTimestamp > rec.Timestamp
}
