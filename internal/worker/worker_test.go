package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Singlerr/FarPlaneTwo/internal/generator"
	"github.com/Singlerr/FarPlaneTwo/internal/repository/store"
	"github.com/Singlerr/FarPlaneTwo/internal/scheduler"
	"github.com/Singlerr/FarPlaneTwo/internal/source"
	"github.com/Singlerr/FarPlaneTwo/internal/storage"
	"github.com/Singlerr/FarPlaneTwo/internal/tile"
	"github.com/Singlerr/FarPlaneTwo/pkg/logger"
)

type change struct {
	pos   tile.Pos
	ts    tile.Timestamp
	stage scheduler.Stage
}

type recorder struct {
	mu        sync.Mutex
	changes   []change
	available map[tile.Pos]int
}

func newRecorder() *recorder {
	return &recorder{available: map[tile.Pos]int{}}
}

func (r *recorder) TileAvailable(h *tile.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available[h.Pos()]++
}

func (r *recorder) TileChanged(h *tile.Handle, stage scheduler.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change{pos: h.Pos(), ts: h.Timestamp(), stage: stage})
}

func (r *recorder) changesFor(pos tile.Pos) []change {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []change
	for _, c := range r.changes {
		if c.pos == pos {
			out = append(out, c)
		}
	}
	return out
}

type env struct {
	sched    *scheduler.Scheduler
	storage  *storage.Storage
	source   *source.Memory
	worker   *Worker
	rec      *recorder
	strategy generator.Strategy
}

func newHeightmap(t *testing.T) (*generator.Heightmap, *generator.Context) {
	t.Helper()
	gctx, err := generator.NewContext(generator.DefaultProfile())
	if err != nil {
		t.Fatal(err)
	}
	return generator.NewHeightmap(gctx), gctx
}

func newStorage(t *testing.T) *storage.Storage {
	t.Helper()
	st, err := storage.New(store.NewMapStore(), logger.NewNop(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// newEnv wires a worker to a running scheduler. A nil strategy means the
// default heightmap.
func newEnv(t *testing.T, cfg Config, strategy generator.Strategy, workers int) *env {
	t.Helper()

	hm, gctx := newHeightmap(t)
	if strategy == nil {
		strategy = hm
	}

	e := &env{
		sched:    scheduler.New(workers, logger.NewNop()),
		storage:  newStorage(t),
		source:   source.NewMemory(gctx.ColumnAt, true),
		rec:      newRecorder(),
		strategy: strategy,
	}
	e.worker = New(cfg, e.storage, strategy, e.source, e.sched, e.rec, tile.NewPool(), logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.sched.Run(ctx, e.worker)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func (e *env) handle(t *testing.T, pos tile.Pos) *tile.Handle {
	t.Helper()
	h, err := e.storage.HandleFor(context.Background(), pos)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (e *env) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.sched.WaitIdle(ctx); err != nil {
		t.Fatalf("scheduler did not settle: %v", err)
	}
}

type fakeScheduler struct {
	mu        sync.Mutex
	submitted []scheduler.Key
	preempt   atomic.Bool
}

func (f *fakeScheduler) Submit(key scheduler.Key, priority int32) *scheduler.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, key)
	return nil
}

func (f *fakeScheduler) CheckForHigherPriorityWork(*scheduler.Task) error {
	if f.preempt.Load() {
		return scheduler.ErrPreempted
	}
	return nil
}

// detachedTask returns a task that is never run by a scheduler.
func detachedTask(stage scheduler.Stage, pos tile.Pos, priority int32) *scheduler.Task {
	return scheduler.New(1, logger.NewNop()).Submit(scheduler.Key{Stage: stage, Pos: pos}, priority)
}

func TestLoadSubmitsRoughForUngenerated(t *testing.T) {
	hm, gctx := newHeightmap(t)
	fs := &fakeScheduler{}
	rec := newRecorder()
	w := New(Config{}, newStorage(t), hm, source.NewMemory(gctx.ColumnAt, true), fs, rec, tile.NewPool(), logger.NewNop())

	pos := tile.Pos{X: 1, Z: 1, Level: 2}
	if err := w.Handle(context.Background(), detachedTask(scheduler.Load, pos, 7)); err != nil {
		t.Fatal(err)
	}
	if len(fs.submitted) != 1 || fs.submitted[0] != (scheduler.Key{Stage: scheduler.Rough, Pos: pos}) {
		t.Fatalf("submitted = %v", fs.submitted)
	}
	if len(rec.available) != 0 {
		t.Fatal("ungenerated tile must not be announced")
	}
}

func TestConcurrentRoughProducesOneChange(t *testing.T) {
	hm, gctx := newHeightmap(t)
	rec := newRecorder()
	st := newStorage(t)
	w := New(Config{}, st, hm, source.NewMemory(gctx.ColumnAt, true), &fakeScheduler{}, rec, tile.NewPool(), logger.NewNop())

	pos := tile.Pos{X: 4, Z: -4}
	task := detachedTask(scheduler.Rough, pos, 1)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Handle(context.Background(), task); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := len(rec.changesFor(pos)); got != 1 {
		t.Fatalf("changes = %d, want 1", got)
	}
	if rec.available[pos] != 1 {
		t.Fatalf("available = %d, want 1", rec.available[pos])
	}
}

func TestRoughScalesFromChildrenWithoutLowResolution(t *testing.T) {
	e := newEnv(t, Config{}, nil, 4)
	root := tile.Pos{X: 0, Z: 0, Level: 2}

	task := e.sched.Submit(scheduler.Key{Stage: scheduler.Load, Pos: root}, scheduler.PriorityRequested)
	if err := task.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.waitIdle(t)

	h := e.handle(t, root)
	if h.Timestamp() != tile.RoughComplete {
		t.Fatalf("root timestamp = %v, want rough", h.Timestamp())
	}
	for x := int32(0); x < 4; x++ {
		for z := int32(0); z < 4; z++ {
			if !e.handle(t, tile.Pos{X: x, Z: z}).IsAccurate() {
				t.Fatalf("level-0 tile %d,%d not generated", x, z)
			}
		}
	}
	if got := len(e.rec.changesFor(root)); got != 1 {
		t.Fatalf("root changes = %d, want 1", got)
	}
}

func TestLowResolutionConvergence(t *testing.T) {
	for _, progressive := range []bool{true, false} {
		name := "direct"
		if progressive {
			name = "progressive"
		}
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, Config{LowResolutionEnabled: true, ProgressiveRefinement: progressive}, nil, 4)
			root := tile.Pos{X: 1, Z: 0, Level: 3}

			e.sched.Submit(scheduler.Key{Stage: scheduler.Load, Pos: root}, scheduler.PriorityRequested)
			e.waitIdle(t)

			changes := e.rec.changesFor(root)
			if len(changes) < 2 {
				t.Fatalf("root changes = %v, want a rough result and a refinement", changes)
			}
			if changes[0].ts != tile.RoughCompleteAt(3) {
				t.Fatalf("first result = %v, want rough~3", changes[0].ts)
			}
			for i := 1; i < len(changes); i++ {
				if changes[i].ts <= changes[i-1].ts {
					t.Fatalf("timestamps not increasing: %v", changes)
				}
			}
			if last := changes[len(changes)-1].ts; last != tile.RoughComplete {
				t.Fatalf("final = %v, want rough", last)
			}
			if e.rec.available[root] != 1 {
				t.Fatalf("available = %d, want 1", e.rec.available[root])
			}
		})
	}
}

func TestScaledAccuracyFollowsChildren(t *testing.T) {
	e := newEnv(t, Config{LowResolutionEnabled: true, ProgressiveRefinement: true}, nil, 1)
	ctx := context.Background()

	parent := tile.Pos{Level: 2}
	for _, c := range parent.Children() {
		h := e.handle(t, c)
		var d tile.Data
		h.Lock()
		h.Set(tile.RoughCompleteAt(1), &d)
		h.Unlock()
	}

	var children [4]*tile.Handle
	for i, c := range parent.Children() {
		children[i], _ = e.storage.HandleFor(ctx, c)
	}
	if got := roughScaleTimestamp(children); got != tile.RoughCompleteAt(2) {
		t.Fatalf("scaled from level-1 rough children = %v, want rough~2", got)
	}
}

func TestUpdateExact(t *testing.T) {
	e := newEnv(t, Config{}, nil, 2)
	ctx := context.Background()
	pos := tile.Pos{X: 2, Z: 3}

	e.sched.Submit(scheduler.Key{Stage: scheduler.Rough, Pos: pos}, 1)
	e.waitIdle(t)

	if _, err := e.source.LoadRegions(ctx, []source.Region{source.RegionAt(40, 50)}); err != nil {
		t.Fatal(err)
	}
	v, err := e.source.SetColumns([]source.ColumnEdit{{X: 40, Z: 50, Column: source.Column{Height: 200, State: 7}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.storage.MarkAllDirty(ctx, []tile.Pos{pos}, v); err != nil {
		t.Fatal(err)
	}

	task := e.sched.Submit(scheduler.Key{Stage: scheduler.Update, Pos: pos}, scheduler.PriorityUpdate)
	if err := task.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	h := e.handle(t, pos)
	if h.Timestamp() != v || h.IsDirty() {
		t.Fatalf("timestamp = %v dirty = %v", h.Timestamp(), h.DirtyTimestamp())
	}

	pool := tile.NewPool()
	h.RLock()
	d, err := h.Inflate(pool)
	h.RUnlock()
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Put(d)
	if s := d.At(8, 2); s.Height != 200 || s.State != 7 {
		t.Fatalf("edited sample = %+v", s)
	}

	changes := e.rec.changesFor(pos)
	if last := changes[len(changes)-1]; last.stage != scheduler.Update {
		t.Fatalf("last change stage = %v", last.stage)
	}
}

func TestUpdateRetryable(t *testing.T) {
	tests := []struct {
		name  string
		src   *source.Memory
		dirty tile.Timestamp
		want  error
	}{
		{"region not loaded", source.NewMemory(nil, false), 1, source.ErrNotLoaded},
		{"stale source", source.NewMemory(func(x, z int64) source.Column { return source.Column{} }, true), 5, ErrStaleSource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm, _ := newHeightmap(t)
			rec := newRecorder()
			st := newStorage(t)
			w := New(Config{}, st, hm, tt.src, &fakeScheduler{}, rec, tile.NewPool(), logger.NewNop())

			pos := tile.Pos{}
			h, _ := st.HandleFor(context.Background(), pos)
			h.MarkDirty(tt.dirty)

			err := w.Handle(context.Background(), detachedTask(scheduler.Update, pos, 1))
			if !errors.Is(err, ErrRetryable) || !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want retryable %v", err, tt.want)
			}
			if h.Timestamp() != tile.Ungenerated || !h.IsDirty() {
				t.Fatal("tile state must be unchanged")
			}
			if len(rec.changes) != 0 {
				t.Fatal("no notification expected")
			}
		})
	}
}

func TestUpdateSkipsCleanTile(t *testing.T) {
	hm, gctx := newHeightmap(t)
	rec := newRecorder()
	w := New(Config{}, newStorage(t), hm, source.NewMemory(gctx.ColumnAt, true), &fakeScheduler{}, rec, tile.NewPool(), logger.NewNop())

	if err := w.Handle(context.Background(), detachedTask(scheduler.Update, tile.Pos{}, 1)); err != nil {
		t.Fatal(err)
	}
	if len(rec.changes) != 0 {
		t.Fatal("clean tile must not change")
	}
}

func TestRoughGenerateBeyondStrategyRange(t *testing.T) {
	hm, gctx := newHeightmap(t)
	w := New(Config{}, newStorage(t), hm, source.NewMemory(gctx.ColumnAt, true), &fakeScheduler{}, newRecorder(), tile.NewPool(), logger.NewNop())

	pos := tile.Pos{Level: 30}
	err := w.roughGenerate(detachedTask(scheduler.Rough, pos, 1), tile.NewHandle(pos, mustCodec(t), nil))
	if !errors.Is(err, generator.ErrNotSupported) {
		t.Fatalf("got %v", err)
	}
}

func mustCodec(t *testing.T) *tile.Codec {
	t.Helper()
	c, err := tile.NewCodec()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// blockingStrategy parks the first TryRough for one position until released.
type blockingStrategy struct {
	generator.Strategy
	pos     tile.Pos
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingStrategy) TryRough(pos tile.Pos, dst *tile.Data) error {
	if pos == b.pos && b.calls.Add(1) == 1 {
		close(b.started)
		<-b.release
	}
	return b.Strategy.TryRough(pos, dst)
}

func TestPreemptionBeforeWriteLock(t *testing.T) {
	hm, _ := newHeightmap(t)
	low := tile.Pos{X: 10}
	high := tile.Pos{X: 20}
	bs := &blockingStrategy{Strategy: hm, pos: low, started: make(chan struct{}), release: make(chan struct{})}

	e := newEnv(t, Config{}, bs, 1)

	e.sched.Submit(scheduler.Key{Stage: scheduler.Rough, Pos: low}, scheduler.PriorityPrefetch)
	<-bs.started
	e.sched.Submit(scheduler.Key{Stage: scheduler.Rough, Pos: high}, scheduler.PriorityRequested)
	close(bs.release)
	e.waitIdle(t)

	e.rec.mu.Lock()
	defer e.rec.mu.Unlock()
	if len(e.rec.changes) != 2 {
		t.Fatalf("changes = %v", e.rec.changes)
	}
	if e.rec.changes[0].pos != high || e.rec.changes[1].pos != low {
		t.Fatalf("high priority tile must be written first: %v", e.rec.changes)
	}
	if bs.calls.Load() != 2 {
		t.Fatalf("low tile generated %d times, want 2", bs.calls.Load())
	}
	if e.sched.Stats().Preempted != 1 {
		t.Fatalf("preempted = %d", e.sched.Stats().Preempted)
	}
}

func TestOverlappingScalesDoNotDeadlock(t *testing.T) {
	e := newEnv(t, Config{}, nil, 8)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 300; i++ {
		level := int32(rng.Intn(4))
		span := int32(8 >> level)
		pos := tile.Pos{X: rng.Int31n(span), Z: rng.Int31n(span), Level: level}

		if rng.Intn(2) == 0 {
			e.sched.Submit(scheduler.Key{Stage: scheduler.Rough, Pos: pos}, rng.Int31n(100))
			continue
		}
		if _, err := e.storage.MarkAllDirty(ctx, []tile.Pos{pos}, tile.Exact); err != nil {
			t.Fatal(err)
		}
		e.sched.Submit(scheduler.Key{Stage: scheduler.Update, Pos: pos}, rng.Int31n(100))
	}

	e.waitIdle(t)

	st := e.sched.Stats()
	if st.Failed != 0 {
		t.Fatalf("failed tasks: %+v", st)
	}
}

func TestRescaleAfterExactUpgradeConverges(t *testing.T) {
	hm, gctx := newHeightmap(t)
	st := newStorage(t)
	src := source.NewMemory(gctx.ColumnAt, true)
	pool := tile.NewPool()
	ctx := context.Background()

	lowRes := New(Config{LowResolutionEnabled: true}, st, hm, src, &fakeScheduler{}, newRecorder(), pool, logger.NewNop())
	scaler := New(Config{}, st, hm, src, &fakeScheduler{}, newRecorder(), pool, logger.NewNop())

	root := tile.Pos{X: 1, Z: 1, Level: 2}
	for _, c := range root.Children() {
		if err := lowRes.Handle(ctx, detachedTask(scheduler.Rough, c, 1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := scaler.Handle(ctx, detachedTask(scheduler.Rough, root, 1)); err != nil {
		t.Fatal(err)
	}

	h, _ := st.HandleFor(ctx, root)
	if h.Timestamp() != tile.RoughCompleteAt(2) {
		t.Fatalf("root = %v, want rough~2", h.Timestamp())
	}
	before := snapshot(t, h, pool)

	update := func(pos tile.Pos) {
		t.Helper()
		c, _ := st.HandleFor(ctx, pos)
		c.MarkDirty(tile.Exact)
		if err := scaler.Handle(ctx, detachedTask(scheduler.Update, pos, 1)); err != nil {
			t.Fatalf("update %s: %v", pos, err)
		}
	}
	for _, c := range root.Children() {
		for _, gc := range c.Children() {
			update(gc)
		}
		update(c)
	}
	update(root)

	if h.Timestamp() != tile.Exact {
		t.Fatalf("root = %v, want exact", h.Timestamp())
	}
	if after := snapshot(t, h, pool); after == before {
		t.Fatal("refined payload must differ from the rough one")
	}
}

func snapshot(t *testing.T, h *tile.Handle, pool *tile.Pool) tile.Data {
	t.Helper()
	h.RLock()
	defer h.RUnlock()
	d, err := h.Inflate(pool)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Put(d)
	return *d
}

func TestUpdatePreemptsRoughOnSameTile(t *testing.T) {
	hm, _ := newHeightmap(t)
	pos := tile.Pos{X: 3}
	bs := &blockingStrategy{Strategy: hm, pos: pos, started: make(chan struct{}), release: make(chan struct{})}

	e := newEnv(t, Config{}, bs, 1)

	e.sched.Submit(scheduler.Key{Stage: scheduler.Rough, Pos: pos}, scheduler.PriorityPrefetch)
	<-bs.started

	if _, err := e.storage.MarkAllDirty(context.Background(), []tile.Pos{pos}, tile.Exact); err != nil {
		t.Fatal(err)
	}
	e.sched.Submit(scheduler.Key{Stage: scheduler.Update, Pos: pos}, scheduler.PriorityRequested)
	close(bs.release)
	e.waitIdle(t)

	changes := e.rec.changesFor(pos)
	if len(changes) != 1 || changes[0].stage != scheduler.Update || changes[0].ts != tile.Exact {
		t.Fatalf("changes = %v, want a single exact update", changes)
	}
	if e.sched.Stats().Preempted != 1 {
		t.Fatalf("preempted = %d", e.sched.Stats().Preempted)
	}
	if bs.calls.Load() != 1 {
		t.Fatalf("rough generated %d times, want 1", bs.calls.Load())
	}
}
