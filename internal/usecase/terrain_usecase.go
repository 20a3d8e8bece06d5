package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Singlerr/FarPlaneTwo/internal/scheduler"
	"github.com/Singlerr/FarPlaneTwo/internal/source"
	"github.com/Singlerr/FarPlaneTwo/internal/storage"
	"github.com/Singlerr/FarPlaneTwo/internal/tile"
	"github.com/Singlerr/FarPlaneTwo/internal/worker"
	"github.com/Singlerr/FarPlaneTwo/pkg/logger"
	"github.com/Singlerr/FarPlaneTwo/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Snapshot is a detached copy of a generated tile.
type Snapshot struct {
	Pos       tile.Pos
	Timestamp tile.Timestamp
	Data      *tile.Data
}

// Listener observes tiles as they become available and change.
type Listener interface {
	TileAvailable(s Snapshot)
	TileChanged(s Snapshot)
}

// World is the editable authoritative source.
type World interface {
	Subscribe(fn source.ChangeFunc)
	LoadRegions(ctx context.Context, regions []source.Region) (tile.Timestamp, error)
	SetColumns(edits []source.ColumnEdit) (tile.Timestamp, error)
}

type Config struct {
	MaxLevel          int32
	PrefetchNeighbors bool
	RescheduleRate    float64
	RescheduleBurst   int
}

type TerrainUseCase struct {
	cfg     Config
	storage *storage.Storage
	sched   *scheduler.Scheduler
	world   World
	pool    *tile.Pool
	logger  logger.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func NewTerrainUseCase(cfg Config, st *storage.Storage, sched *scheduler.Scheduler, world World, pool *tile.Pool, l logger.Logger) *TerrainUseCase {
	uc := &TerrainUseCase{
		cfg:     cfg,
		storage: st,
		sched:   sched,
		world:   world,
		pool:    pool,
		logger:  l,
	}
	world.Subscribe(uc.OnSourceChanged)
	return uc
}

var _ worker.Notifier = (*TerrainUseCase)(nil)

func (uc *TerrainUseCase) AddListener(l Listener) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.listeners = append(uc.listeners, l)
}

func (uc *TerrainUseCase) snapshotListeners() []Listener {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.listeners
}

// RequestTile schedules pos to be loaded or generated.
func (uc *TerrainUseCase) RequestTile(pos tile.Pos, priority int32) (*scheduler.Task, error) {
	if err := pos.Valid(uc.cfg.MaxLevel); err != nil {
		return nil, err
	}
	uc.logger.Debug("tile requested", "pos", pos, "priority", priority)

	t := uc.sched.Submit(scheduler.Key{Stage: scheduler.Load, Pos: pos}, priority)
	if uc.cfg.PrefetchNeighbors {
		for _, n := range pos.Neighbors() {
			uc.sched.Submit(scheduler.Key{Stage: scheduler.Load, Pos: n}, scheduler.PriorityPrefetch)
		}
	}
	return t, nil
}

// Snapshot copies the current content of pos. It reports false while the
// tile is not generated.
func (uc *TerrainUseCase) Snapshot(ctx context.Context, pos tile.Pos) (Snapshot, bool, error) {
	if err := pos.Valid(uc.cfg.MaxLevel); err != nil {
		return Snapshot{}, false, err
	}
	h, err := uc.storage.HandleFor(ctx, pos)
	if err != nil {
		uc.logger.Error("tile lookup failed", "pos", pos, "error", err)
		return Snapshot{}, false, err
	}

	h.RLock()
	defer h.RUnlock()
	if !h.IsGenerated() {
		return Snapshot{}, false, nil
	}
	s, err := uc.snapshotLocked(h)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

func (uc *TerrainUseCase) snapshotLocked(h *tile.Handle) (Snapshot, error) {
	d, err := h.Inflate(uc.pool)
	if err != nil {
		return Snapshot{}, fmt.Errorf("inflate %s: %w", h.Pos(), err)
	}
	cp := new(tile.Data)
	*cp = *d
	uc.pool.Put(d)
	return Snapshot{Pos: h.Pos(), Timestamp: h.Timestamp(), Data: cp}, nil
}

func (uc *TerrainUseCase) TileAvailable(h *tile.Handle) {
	metrics.TileNotifications.WithLabelValues("available").Inc()

	listeners := uc.snapshotListeners()
	if len(listeners) == 0 {
		return
	}

	h.RLock()
	s, err := uc.snapshotLocked(h)
	h.RUnlock()
	if err != nil {
		uc.logger.Error("failed to snapshot available tile", "pos", h.Pos(), "error", err)
		return
	}
	for _, l := range listeners {
		l.TileAvailable(s)
	}
}

// TileChanged runs with the read lock of h held.
func (uc *TerrainUseCase) TileChanged(h *tile.Handle, stage scheduler.Stage) {
	metrics.TileNotifications.WithLabelValues("changed").Inc()

	if stage == scheduler.Update {
		uc.markParentDirty(h.Pos(), h.Timestamp())
	}

	listeners := uc.snapshotListeners()
	if len(listeners) == 0 {
		return
	}
	s, err := uc.snapshotLocked(h)
	if err != nil {
		uc.logger.Error("failed to snapshot changed tile", "pos", h.Pos(), "error", err)
		return
	}
	for _, l := range listeners {
		l.TileChanged(s)
	}
}

// markParentDirty propagates an update one level up. Parents that were never
// generated are left alone; they are built from current children on demand.
func (uc *TerrainUseCase) markParentDirty(pos tile.Pos, ts tile.Timestamp) {
	if pos.Level >= uc.cfg.MaxLevel {
		return
	}
	parentPos := pos.Parent()
	parent, err := uc.storage.HandleFor(context.Background(), parentPos)
	if err != nil {
		uc.logger.Warn("failed to load parent tile", "pos", parentPos, "error", err)
		return
	}
	if !parent.IsGenerated() || !parent.MarkDirty(ts) {
		return
	}
	uc.sched.Submit(scheduler.Key{Stage: scheduler.Update, Pos: parentPos}, scheduler.PriorityUpdate)
}

// OnSourceChanged marks the level-0 tiles covering regions dirty at version
// and schedules their update.
func (uc *TerrainUseCase) OnSourceChanged(regions []source.Region, version tile.Timestamp) {
	positions := regionTiles(regions)
	marked, err := uc.storage.MarkAllDirty(context.Background(), positions, version)
	if err != nil {
		uc.logger.Error("failed to mark tiles dirty", "regions", len(regions), "version", version, "error", err)
	}
	for _, pos := range marked {
		uc.sched.Submit(scheduler.Key{Stage: scheduler.Update, Pos: pos}, scheduler.PriorityUpdate)
	}
	uc.logger.Debug("source changed", "regions", len(regions), "version", version, "marked", len(marked))
}

func regionTiles(regions []source.Region) []tile.Pos {
	var out []tile.Pos
	for _, r := range regions {
		x0, z0 := int64(r.X)<<source.RegionShift, int64(r.Z)<<source.RegionShift
		x1, z1 := x0+(1<<source.RegionShift)-1, z0+(1<<source.RegionShift)-1
		lo, hi := tile.AtBlock(x0, z0), tile.AtBlock(x1, z1)
		for z := lo.Z; z <= hi.Z; z++ {
			for x := lo.X; x <= hi.X; x++ {
				out = append(out, tile.Pos{X: x, Z: z})
			}
		}
	}
	return out
}

// RescheduleDirty submits an UPDATE for every persisted dirty tile, paced by
// the configured rate.
func (uc *TerrainUseCase) RescheduleDirty(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(uc.cfg.RescheduleRate), max(uc.cfg.RescheduleBurst, 1))

	var n int
	err := uc.storage.ForEachDirtyPos(ctx, func(pos tile.Pos) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		uc.sched.Submit(scheduler.Key{Stage: scheduler.Update, Pos: pos}, scheduler.PriorityUpdate)
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("reschedule dirty tiles: %w", err)
	}
	uc.logger.Info("rescheduled dirty tiles", "count", n)
	return nil
}

// Run executes tile tasks with h until ctx is done.
func (uc *TerrainUseCase) Run(ctx context.Context, h scheduler.Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return uc.sched.Run(gctx, h)
	})
	g.Go(func() error {
		err := uc.RescheduleDirty(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			uc.logger.Error("startup reschedule failed", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases storage. Run must have returned.
func (uc *TerrainUseCase) Close() error {
	return uc.storage.Close()
}

func (uc *TerrainUseCase) LoadRegions(ctx context.Context, regions []source.Region) (tile.Timestamp, error) {
	uc.logger.Debug("loading regions", "count", len(regions))
	v, err := uc.world.LoadRegions(ctx, regions)
	if err != nil {
		uc.logger.Error("failed to load regions", "error", err)
		return 0, err
	}
	return v, nil
}

func (uc *TerrainUseCase) SetColumns(edits []source.ColumnEdit) (tile.Timestamp, error) {
	uc.logger.Debug("editing columns", "count", len(edits))
	v, err := uc.world.SetColumns(edits)
	if err != nil {
		uc.logger.Error("failed to edit columns", "error", err)
		return 0, err
	}
	return v, nil
}

// Stats reports scheduler counters and the number of live tiles.
func (uc *TerrainUseCase) Stats() (scheduler.Stats, int) {
	return uc.sched.Stats(), uc.storage.Len()
}
