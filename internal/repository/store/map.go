package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Singlerr/FarPlaneTwo/internal/tile"
)

// MapStore keeps records in memory. Nothing survives a restart.
type MapStore struct {
	m      *TypedSyncMap
	closed atomic.Bool
}

type TypedSyncMap struct {
	m sync.Map
}

func (c *TypedSyncMap) Load(k tile.Pos) (tile.Record, bool) {
	v, exists := c.m.Load(k)
	if !exists {
		return tile.Record{}, false
	}
	return v.(tile.Record), exists
}

func (c *TypedSyncMap) Store(k tile.Pos, v tile.Record) {
	c.m.Store(k, v)
}

func (c *TypedSyncMap) Range(fn func(k tile.Pos, v tile.Record) bool) {
	c.m.Range(func(k, v any) bool {
		return fn(k.(tile.Pos), v.(tile.Record))
	})
}

func NewMapStore() *MapStore {
	return &MapStore{
		m: &TypedSyncMap{},
	}
}

var _ Store = (*MapStore)(nil)

func (s *MapStore) Get(_ context.Context, pos tile.Pos) (tile.Record, bool, error) {
	if s.closed.Load() {
		return tile.Record{}, false, ErrClosed
	}
	v, exists := s.m.Load(pos)
	return v, exists, nil
}

func (s *MapStore) Put(_ context.Context, pos tile.Pos, rec tile.Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.m.Store(pos, rec)
	return nil
}

func (s *MapStore) ListDirty(_ context.Context) ([]tile.Pos, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var out []tile.Pos
	s.m.Range(func(pos tile.Pos, rec tile.Record) bool {
		if isDirty(rec) {
			out = append(out, pos)
		}
		return true
	})
	return out, nil
}

func (s *MapStore) Close() error {
	s.closed.Store(true)
	return nil
}
