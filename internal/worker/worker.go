package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Singlerr/FarPlaneTwo/internal/generator"
	"github.com/Singlerr/FarPlaneTwo/internal/scheduler"
	"github.com/Singlerr/FarPlaneTwo/internal/source"
	"github.com/Singlerr/FarPlaneTwo/internal/tile"
	"github.com/Singlerr/FarPlaneTwo/pkg/logger"
	"github.com/Singlerr/FarPlaneTwo/pkg/metrics"
	"github.com/Singlerr/FarPlaneTwo/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrRetryable marks failures that leave the tile untouched and may
	// succeed later, such as authoritative data not being loaded yet.
	ErrRetryable   = errors.New("retryable tile failure")
	ErrStaleSource = errors.New("source is older than the requested version")
)

type Storage interface {
	HandleFor(ctx context.Context, pos tile.Pos) (*tile.Handle, error)
}

type Scheduler interface {
	Submit(key scheduler.Key, priority int32) *scheduler.Task
	CheckForHigherPriorityWork(t *scheduler.Task) error
}

// Notifier receives tile events.
type Notifier interface {
	// TileAvailable is called, with no tile lock held, the first time a
	// tile is seen generated.
	TileAvailable(h *tile.Handle)
	// TileChanged is called with the read lock of h held after a
	// generation changed it.
	TileChanged(h *tile.Handle, stage scheduler.Stage)
}

type Config struct {
	LowResolutionEnabled  bool
	ProgressiveRefinement bool
}

// Worker runs LOAD, ROUGH and UPDATE tasks for tiles.
type Worker struct {
	storage  Storage
	strategy generator.Strategy
	source   source.Source
	sched    Scheduler
	notifier Notifier
	pool     *tile.Pool
	cfg      Config
	logger   logger.Logger
}

func New(cfg Config, st Storage, strategy generator.Strategy, src source.Source, sched Scheduler, n Notifier, pool *tile.Pool, l logger.Logger) *Worker {
	return &Worker{
		storage:  st,
		strategy: strategy,
		source:   src,
		sched:    sched,
		notifier: n,
		pool:     pool,
		cfg:      cfg,
		logger:   l,
	}
}

var _ scheduler.Handler = (*Worker)(nil)

func (w *Worker) Handle(ctx context.Context, t *scheduler.Task) error {
	key := t.Key()
	ctx, span := telemetry.Tracer().Start(ctx, "tile."+key.Stage.String(),
		trace.WithAttributes(
			attribute.Int("tile.level", int(key.Pos.Level)),
			attribute.Int("tile.x", int(key.Pos.X)),
			attribute.Int("tile.z", int(key.Pos.Z)),
			attribute.Int("task.priority", int(t.Priority())),
		),
	)
	defer span.End()

	var err error
	switch key.Stage {
	case scheduler.Load:
		err = w.load(ctx, t)
	case scheduler.Rough:
		err = w.rough(ctx, t)
	case scheduler.Update:
		err = w.update(ctx, t)
	default:
		err = fmt.Errorf("unknown stage %s", key.Stage)
	}

	var deferred *scheduler.DeferredError
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrPreempted):
		span.AddEvent("preempted")
	case errors.As(err, &deferred):
		span.AddEvent("deferred", trace.WithAttributes(attribute.Int("deps", len(deferred.Keys))))
	case errors.Is(err, ErrRetryable):
		span.SetStatus(codes.Error, err.Error())
		w.logger.Debug("tile task will be retried", "task", key, "error", err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Warn("tile task failed", "task", key, "error", err)
	}
	return err
}

func (w *Worker) load(ctx context.Context, t *scheduler.Task) error {
	pos := t.Key().Pos
	h, err := w.storage.HandleFor(ctx, pos)
	if err != nil {
		return err
	}

	if !h.IsGenerated() {
		w.sched.Submit(scheduler.Key{Stage: scheduler.Rough, Pos: pos}, t.Priority())
		return nil
	}

	w.notifier.TileAvailable(h)
	if h.IsDirty() {
		w.sched.Submit(scheduler.Key{Stage: scheduler.Update, Pos: pos}, t.Priority())
	}
	return nil
}

func (w *Worker) roughCapable(level int32) bool {
	return level == 0 || (w.cfg.LowResolutionEnabled && w.strategy.RoughSupported(level))
}

func (w *Worker) rough(ctx context.Context, t *scheduler.Task) error {
	pos := t.Key().Pos
	h, err := w.storage.HandleFor(ctx, pos)
	if err != nil {
		return err
	}

	switch {
	case h.IsAccurate():
		return nil
	case h.IsGenerated():
		return w.refine(ctx, t, h)
	case w.roughCapable(pos.Level):
		return w.roughGenerate(t, h)
	default:
		return w.roughScale(ctx, t, h)
	}
}

// roughGenerate samples the tile directly. Level 0 is as accurate as rough
// data gets; coarser levels are marked with their approximation depth.
func (w *Worker) roughGenerate(t *scheduler.Task, h *tile.Handle) error {
	pos := h.Pos()
	ts := tile.RoughCompleteAt(pos.Level)

	if err := w.sched.CheckForHigherPriorityWork(t); err != nil {
		return err
	}
	if h.Timestamp() >= ts {
		return nil
	}

	d := w.pool.Get()
	defer w.pool.Put(d)
	if err := w.strategy.TryRough(pos, d); err != nil {
		return fmt.Errorf("rough generate %s: %w", pos, err)
	}

	if err := w.sched.CheckForHigherPriorityWork(t); err != nil {
		return err
	}

	h.Lock()
	changed, err := w.commitLocked(t, h, ts, d, "rough")
	if err != nil || !changed {
		return err
	}
	w.followUp(t, ts)
	return nil
}

func (w *Worker) roughScale(ctx context.Context, t *scheduler.Task, h *tile.Handle) error {
	children, err := w.children(ctx, h.Pos())
	if err != nil {
		return err
	}

	var deps []scheduler.Key
	for _, c := range children {
		if !c.IsGenerated() {
			deps = append(deps, scheduler.Key{Stage: scheduler.Rough, Pos: c.Pos()})
		}
	}
	if len(deps) > 0 {
		return scheduler.Defer(deps...)
	}

	return w.scale(t, h, children, roughScaleTimestamp, "rough_scale")
}

// refine improves a generated but inaccurate tile by rescaling it from
// better children. Progressive refinement moves one approximation step per
// run; otherwise children are made fully accurate first.
func (w *Worker) refine(ctx context.Context, t *scheduler.Task, h *tile.Handle) error {
	pos := h.Pos()
	if pos.Level == 0 {
		return nil
	}

	var need int32
	if w.cfg.ProgressiveRefinement {
		need = max(h.Timestamp().Accuracy()-2, 0)
	}

	children, err := w.children(ctx, pos)
	if err != nil {
		return err
	}

	var deps []scheduler.Key
	for _, c := range children {
		if !c.IsGenerated() || c.Timestamp().Accuracy() > need {
			deps = append(deps, scheduler.Key{Stage: scheduler.Rough, Pos: c.Pos()})
		}
	}
	if len(deps) > 0 {
		return scheduler.Defer(deps...)
	}

	return w.scale(t, h, children, roughScaleTimestamp, "refine")
}

func (w *Worker) update(ctx context.Context, t *scheduler.Task) error {
	pos := t.Key().Pos
	h, err := w.storage.HandleFor(ctx, pos)
	if err != nil {
		return err
	}

	newTs := h.DirtyTimestamp()
	if newTs <= h.Timestamp() {
		w.logger.Debug("skipping update for clean tile", "pos", pos, "timestamp", h.Timestamp())
		return nil
	}

	if pos.Level == 0 {
		return w.updateExact(ctx, t, h, newTs)
	}

	children, err := w.children(ctx, pos)
	if err != nil {
		return err
	}

	var deps []scheduler.Key
	for _, c := range children {
		switch {
		case !c.IsGenerated():
			deps = append(deps, scheduler.Key{Stage: scheduler.Rough, Pos: c.Pos()})
		case c.IsDirty():
			deps = append(deps, scheduler.Key{Stage: scheduler.Update, Pos: c.Pos()})
		}
	}
	if len(deps) > 0 {
		return scheduler.Defer(deps...)
	}

	return w.scale(t, h, children, func([4]*tile.Handle) tile.Timestamp { return newTs }, "update_scale")
}

func (w *Worker) updateExact(ctx context.Context, t *scheduler.Task, h *tile.Handle, newTs tile.Timestamp) error {
	pos := h.Pos()

	if err := w.sched.CheckForHigherPriorityWork(t); err != nil {
		return err
	}

	access, err := w.source.Prefetch(ctx, w.strategy.NeededRegions(pos))
	if err != nil {
		if errors.Is(err, source.ErrNotLoaded) || ctx.Err() != nil {
			return fmt.Errorf("%w: prefetch %s: %w", ErrRetryable, pos, err)
		}
		return fmt.Errorf("prefetch %s: %w", pos, err)
	}
	if access.Version() < newTs {
		return fmt.Errorf("%w: %w: have %v, want %v", ErrRetryable, ErrStaleSource, access.Version(), newTs)
	}

	d := w.pool.Get()
	defer w.pool.Put(d)
	if err := w.strategy.TryExact(pos, access, d); err != nil {
		if errors.Is(err, source.ErrNotLoaded) {
			return fmt.Errorf("%w: exact generate %s: %w", ErrRetryable, pos, err)
		}
		return fmt.Errorf("exact generate %s: %w", pos, err)
	}

	if err := w.sched.CheckForHigherPriorityWork(t); err != nil {
		return err
	}

	h.Lock()
	_, err = w.commitLocked(t, h, access.Version(), d, "exact")
	return err
}

func (w *Worker) children(ctx context.Context, pos tile.Pos) ([4]*tile.Handle, error) {
	var out [4]*tile.Handle
	for i, c := range pos.Children() {
		h, err := w.storage.HandleFor(ctx, c)
		if err != nil {
			return out, err
		}
		out[i] = h
	}
	return out, nil
}

// roughScaleTimestamp is accurate when every child is, otherwise one step
// less accurate than the worst child.
func roughScaleTimestamp(children [4]*tile.Handle) tile.Timestamp {
	var worst int32
	for _, c := range children {
		worst = max(worst, c.Timestamp().Accuracy())
	}
	if worst == 0 {
		return tile.RoughComplete
	}
	return tile.RoughCompleteAt(worst + 1)
}

// scale downsamples children into h. Children are read-locked in position
// order before the target is write-locked, and released in reverse.
func (w *Worker) scale(t *scheduler.Task, h *tile.Handle, children [4]*tile.Handle, tsFor func([4]*tile.Handle) tile.Timestamp, kind string) error {
	if err := w.sched.CheckForHigherPriorityWork(t); err != nil {
		return err
	}

	ordered := children
	slices.SortFunc(ordered[:], func(a, b *tile.Handle) int {
		return a.Pos().Compare(b.Pos())
	})
	for _, c := range ordered {
		c.RLock()
	}
	defer func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			ordered[i].RUnlock()
		}
	}()

	var inputs [4]*tile.Data
	defer func() {
		for _, d := range inputs {
			w.pool.Put(d)
		}
	}()
	for i, c := range children {
		d, err := c.Inflate(w.pool)
		if err != nil {
			return fmt.Errorf("inflate %s: %w", c.Pos(), err)
		}
		inputs[i] = d
	}

	ts := tsFor(children)

	h.Lock()
	if h.Timestamp() >= ts {
		h.Unlock()
		return nil
	}

	dst := w.pool.Get()
	defer w.pool.Put(dst)
	if err := w.strategy.TryScale(h.Pos(), inputs, dst); err != nil {
		h.Unlock()
		return fmt.Errorf("scale %s: %w", h.Pos(), err)
	}

	changed, err := w.commitLocked(t, h, ts, dst, kind)
	if err != nil || !changed {
		return err
	}
	if t.Key().Stage == scheduler.Rough {
		w.followUp(t, ts)
	}
	return nil
}

// commitLocked stores d at ts into h, which must be write-locked, notifies
// listeners on change and releases the lock.
func (w *Worker) commitLocked(t *scheduler.Task, h *tile.Handle, ts tile.Timestamp, d *tile.Data, kind string) (bool, error) {
	wasGenerated := h.IsGenerated()

	changed, err := h.Set(ts, d)
	if err != nil || !changed {
		h.Unlock()
		return false, err
	}
	metrics.TilesGenerated.WithLabelValues(kind).Inc()

	h.Downgrade()
	w.notifier.TileChanged(h, t.Key().Stage)
	h.RUnlock()

	if !wasGenerated && h.IsGenerated() {
		w.notifier.TileAvailable(h)
	}
	return true, nil
}

// followUp schedules refinement of a tile left inaccurate.
func (w *Worker) followUp(t *scheduler.Task, ts tile.Timestamp) {
	if ts >= tile.RoughComplete {
		return
	}
	w.sched.Submit(t.Key(), scheduler.FollowUp(t.Priority()))
}
