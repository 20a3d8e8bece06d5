package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Singlerr/FarPlaneTwo/internal/repository/store"
	"github.com/Singlerr/FarPlaneTwo/internal/tile"
	"github.com/Singlerr/FarPlaneTwo/pkg/logger"
	"github.com/Singlerr/FarPlaneTwo/pkg/metrics"
)

var ErrClosed = errors.New("tile storage closed")

// pendingWakeThreshold wakes the flusher early once this many tiles wait.
const pendingWakeThreshold = 256

type entry struct {
	ready  chan struct{}
	handle *tile.Handle
	err    error
}

// Storage owns the live tile handles. It loads each handle from the store on
// first access and writes changed handles back in the background.
type Storage struct {
	store  store.Store
	codec  *tile.Codec
	logger logger.Logger

	mu      sync.Mutex
	handles map[tile.Pos]*entry
	closed  bool

	pendingMu sync.Mutex
	pending   map[tile.Pos]struct{}

	flushMu  sync.Mutex
	interval time.Duration
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func New(st store.Store, l logger.Logger, flushInterval time.Duration) (*Storage, error) {
	codec, err := tile.NewCodec()
	if err != nil {
		return nil, err
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}

	s := &Storage{
		store:    st,
		codec:    codec,
		logger:   l,
		handles:  make(map[tile.Pos]*entry),
		pending:  make(map[tile.Pos]struct{}),
		interval: flushInterval,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.flushLoop()

	return s, nil
}

// HandleFor returns the handle for pos, creating and loading it on first use.
// Concurrent callers for the same position share one load. A failed load is
// not cached.
func (s *Storage) HandleFor(ctx context.Context, pos tile.Pos) (*tile.Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := s.handles[pos]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		s.handles[pos] = e
	}
	s.mu.Unlock()

	if !ok {
		s.load(ctx, pos, e)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.handle, nil
}

func (s *Storage) load(ctx context.Context, pos tile.Pos, e *entry) {
	defer close(e.ready)

	rec, ok, err := s.store.Get(ctx, pos)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("load").Inc()
		e.err = fmt.Errorf("load tile %s: %w", pos, err)

		s.mu.Lock()
		if s.handles[pos] == e {
			delete(s.handles, pos)
		}
		s.mu.Unlock()
		return
	}

	h := tile.NewHandle(pos, s.codec, s.markPending)
	if ok {
		h.Restore(rec)
	}
	e.handle = h
	metrics.LiveHandles.Inc()
}

func (s *Storage) markPending(pos tile.Pos) {
	s.pendingMu.Lock()
	s.pending[pos] = struct{}{}
	n := len(s.pending)
	s.pendingMu.Unlock()

	if n >= pendingWakeThreshold {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// MarkAllDirty marks every distinct position dirty at ts and returns the
// positions whose dirty timestamp actually moved.
func (s *Storage) MarkAllDirty(ctx context.Context, positions []tile.Pos, ts tile.Timestamp) ([]tile.Pos, error) {
	seen := make(map[tile.Pos]struct{}, len(positions))
	var marked []tile.Pos
	for _, pos := range positions {
		if _, dup := seen[pos]; dup {
			continue
		}
		seen[pos] = struct{}{}

		h, err := s.HandleFor(ctx, pos)
		if err != nil {
			return marked, err
		}
		if h.MarkDirty(ts) {
			marked = append(marked, pos)
		}
	}
	return marked, nil
}

// ForEachDirtyPos calls fn for every persisted dirty position after flushing
// pending writes. Iteration stops at the first error from fn.
func (s *Storage) ForEachDirtyPos(ctx context.Context, fn func(tile.Pos) error) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}

	positions, err := s.store.ListDirty(ctx)
	if err != nil {
		return fmt.Errorf("list dirty tiles: %w", err)
	}
	for _, pos := range positions {
		if err := fn(pos); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes every pending handle to the store.
func (s *Storage) Flush(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.flush(ctx)
}

// Len returns the number of live handles.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Storage) flushLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if err := s.flush(context.Background()); err != nil {
			s.logger.Warn("tile flush failed", "error", err)
		}
	}
}

func (s *Storage) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.pendingMu.Lock()
	if len(s.pending) == 0 {
		s.pendingMu.Unlock()
		return nil
	}
	batch := make([]tile.Pos, 0, len(s.pending))
	for pos := range s.pending {
		batch = append(batch, pos)
	}
	clear(s.pending)
	s.pendingMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.StorageFlushDuration.Observe(time.Since(start).Seconds())
	}()

	for i, pos := range batch {
		s.mu.Lock()
		e := s.handles[pos]
		s.mu.Unlock()
		if e == nil {
			continue
		}
		<-e.ready
		if e.handle == nil {
			continue
		}

		if err := s.store.Put(ctx, pos, e.handle.Record()); err != nil {
			metrics.StorageErrors.WithLabelValues("flush").Inc()
			s.requeue(batch[i:])
			return fmt.Errorf("flush tile %s: %w", pos, err)
		}
		metrics.StorageFlushes.Inc()
	}

	s.logger.Debug("flushed tiles", "count", len(batch), "duration", time.Since(start))
	return nil
}

func (s *Storage) requeue(positions []tile.Pos) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for _, pos := range positions {
		s.pending[pos] = struct{}{}
	}
}

// Close stops accepting work, drains pending writes and closes the store.
// Every later call fails with ErrClosed.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		n := len(s.handles)
		s.mu.Unlock()

		close(s.stop)
		<-s.done

		flushErr := s.flush(context.Background())
		if flushErr != nil {
			s.logger.Error("final tile flush failed", "error", flushErr)
		}
		metrics.LiveHandles.Sub(float64(n))

		s.closeErr = errors.Join(flushErr, s.store.Close(), s.codec.Close())
	})
	return s.closeErr
}
