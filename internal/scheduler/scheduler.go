package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Singlerr/FarPlaneTwo/pkg/logger"
	"github.com/Singlerr/FarPlaneTwo/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPreempted is returned by a handler that yielded to higher priority
	// work. The task goes back to the queue in its original position.
	ErrPreempted = errors.New("task preempted by higher priority work")
	ErrStopped   = errors.New("scheduler stopped")
)

type Handler interface {
	Handle(ctx context.Context, t *Task) error
}

type HandlerFunc func(ctx context.Context, t *Task) error

func (f HandlerFunc) Handle(ctx context.Context, t *Task) error { return f(ctx, t) }

type Stats struct {
	Submitted uint64
	Promoted  uint64
	Preempted uint64
	Deferred  uint64
	Completed uint64
	Failed    uint64
	Queued    int
	Running   int
	Idle      int
}

// Scheduler runs tasks on a fixed pool of workers in priority order. Tasks
// never block a worker waiting on other tasks: they either yield with
// ErrPreempted or park themselves with Defer.
type Scheduler struct {
	workers int
	logger  logger.Logger

	mu      sync.Mutex
	cond    sync.Cond
	queue   taskQueue
	tasks   map[Key]*Task
	seq     uint64
	idle    int
	running int
	started bool
	stopped bool
	ctx     context.Context
	idleCh  chan struct{}
	stats   Stats
}

func New(workers int, l logger.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		workers: workers,
		logger:  l,
		tasks:   make(map[Key]*Task),
	}
	s.cond.L = &s.mu
	return s
}

// Submit schedules key at priority. If a task for key is already queued or
// parked it is promoted to the higher of the two priorities and returned. If
// it is running, a single follow-up run is scheduled for after it finishes
// and that follow-up is returned.
func (s *Scheduler) Submit(key Key, priority int32) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stoppingLocked() {
		t := s.newTaskLocked(key, priority)
		t.state = stateFinished
		t.err = ErrStopped
		close(t.done)
		return t
	}
	return s.submitLocked(key, priority)
}

func (s *Scheduler) newTaskLocked(key Key, priority int32) *Task {
	s.seq++
	t := &Task{
		key:   key,
		seq:   s.seq,
		index: -1,
		done:  make(chan struct{}),
	}
	t.priority.Store(priority)
	return t
}

func (s *Scheduler) submitLocked(key Key, priority int32) *Task {
	stage := key.Stage.String()
	if t, ok := s.tasks[key]; ok {
		metrics.TasksSubmitted.WithLabelValues(stage, "merged").Inc()
		if t.state != stateRunning {
			s.promoteLocked(t, priority)
			return t
		}
		if t.next == nil {
			t.next = s.newTaskLocked(key, priority)
			s.stats.Submitted++
		} else {
			s.promoteLocked(t.next, priority)
		}
		return t.next
	}

	metrics.TasksSubmitted.WithLabelValues(stage, "created").Inc()
	s.stats.Submitted++
	t := s.newTaskLocked(key, priority)
	s.tasks[key] = t
	s.pushLocked(t)
	return t
}

// promoteLocked raises the priority of t and of everything a parked t waits
// on. Priorities never decrease.
func (s *Scheduler) promoteLocked(t *Task, priority int32) {
	if priority <= t.Priority() {
		return
	}
	t.priority.Store(priority)
	s.stats.Promoted++

	switch t.state {
	case stateQueued:
		if t.index >= 0 {
			heap.Fix(&s.queue, t.index)
		}
	case stateWaiting:
		for _, dep := range t.deps {
			s.promoteLocked(dep, priority)
		}
	}
	if t.next != nil {
		s.promoteLocked(t.next, priority)
	}
}

func (s *Scheduler) pushLocked(t *Task) {
	t.state = stateQueued
	heap.Push(&s.queue, t)
	metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.cond.Signal()
}

// CheckForHigherPriorityWork returns ErrPreempted when a strictly more
// important task is queued and no worker is free to take it, or when the
// scheduler is stopping. Handlers call it at safe points while holding no
// tile locks and return the error as is.
func (s *Scheduler) CheckForHigherPriorityWork(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stoppingLocked() {
		return ErrPreempted
	}
	if s.idle > 0 {
		return nil
	}
	if top := s.queue.peek(); top != nil && top.Priority() > t.Priority() {
		return ErrPreempted
	}
	return nil
}

// Run executes tasks with h until ctx is done. Tasks still outstanding at
// that point finish with ErrStopped.
func (s *Scheduler) Run(ctx context.Context, h Handler) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.stopped = true
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.logger.Info("scheduler started", "workers", s.workers)

	var g errgroup.Group
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			s.work(ctx, h)
			return nil
		})
	}
	err := g.Wait()

	s.drain()
	s.logger.Info("scheduler stopped")
	return err
}

// stoppingLocked reports whether Run's context is done. The AfterFunc
// callback may lag behind cancellation, so the context is checked directly.
func (s *Scheduler) stoppingLocked() bool {
	if !s.stopped && s.ctx != nil && s.ctx.Err() != nil {
		s.stopped = true
		s.cond.Broadcast()
	}
	return s.stopped
}

func (s *Scheduler) work(ctx context.Context, h Handler) {
	for {
		s.mu.Lock()
		for !s.stoppingLocked() && s.queue.Len() == 0 {
			s.idle++
			s.cond.Wait()
			s.idle--
		}
		if s.stoppingLocked() {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.queue).(*Task)
		t.state = stateRunning
		s.running++
		metrics.QueueDepth.Set(float64(s.queue.Len()))
		s.mu.Unlock()

		start := time.Now()
		err := h.Handle(ctx, t)
		metrics.TaskDuration.WithLabelValues(t.key.Stage.String()).Observe(time.Since(start).Seconds())

		s.mu.Lock()
		s.running--
		s.completeLocked(t, err)
		s.mu.Unlock()
	}
}

func (s *Scheduler) completeLocked(t *Task, err error) {
	stage := t.key.Stage.String()

	var deferred *DeferredError
	switch {
	case errors.Is(err, ErrPreempted):
		metrics.TasksCompleted.WithLabelValues(stage, "preempted").Inc()
		s.stats.Preempted++
		s.pushLocked(t)
	case errors.As(err, &deferred):
		metrics.TasksCompleted.WithLabelValues(stage, "deferred").Inc()
		s.stats.Deferred++
		if s.stoppingLocked() {
			s.finishLocked(t, ErrStopped)
			return
		}
		s.deferLocked(t, deferred.Keys)
	case err != nil:
		metrics.TasksCompleted.WithLabelValues(stage, "failed").Inc()
		s.stats.Failed++
		s.finishLocked(t, err)
	default:
		metrics.TasksCompleted.WithLabelValues(stage, "ok").Inc()
		s.stats.Completed++
		s.finishLocked(t, nil)
	}
}

func (s *Scheduler) deferLocked(t *Task, keys []Key) {
	t.state = stateWaiting
	t.deps = t.deps[:0]
	t.pending = 0

	for _, k := range keys {
		if k == t.key {
			s.finishLocked(t, fmt.Errorf("task %s depends on itself", t.key))
			return
		}
	}

	for _, k := range keys {
		dep := s.submitLocked(k, t.Priority())
		dep.waiters = append(dep.waiters, t)
		t.deps = append(t.deps, dep)
		t.pending++
	}
	if t.pending == 0 {
		s.pushLocked(t)
	}
}

func (s *Scheduler) finishLocked(t *Task, err error) {
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
	}
	t.state = stateFinished
	t.err = err
	t.deps = nil
	close(t.done)

	if s.tasks[t.key] == t {
		delete(s.tasks, t.key)
	}

	waiters := t.waiters
	t.waiters = nil
	for _, w := range waiters {
		if w.state != stateWaiting {
			continue
		}
		if err != nil {
			s.finishLocked(w, fmt.Errorf("dependency %s: %w", t.key, err))
			continue
		}
		w.pending--
		if w.pending == 0 {
			s.pushLocked(w)
		}
	}

	if n := t.next; n != nil {
		t.next = nil
		s.tasks[n.key] = n
		s.pushLocked(n)
	}

	if len(s.tasks) == 0 && s.idleCh != nil {
		close(s.idleCh)
		s.idleCh = nil
	}
}

func (s *Scheduler) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.tasks) > 0 {
		for _, t := range s.tasks {
			if t.state != stateFinished {
				s.finishLocked(t, ErrStopped)
			}
		}
	}
	s.queue = s.queue[:0]
	metrics.QueueDepth.Set(0)
}

// WaitIdle blocks until no task is queued, parked or running.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	if len(s.tasks) == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.idleCh == nil {
		s.idleCh = make(chan struct{})
	}
	ch := s.idleCh
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of outstanding tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = s.queue.Len()
	st.Running = s.running
	st.Idle = s.idle
	return st
}
