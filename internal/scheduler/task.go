package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Singlerr/FarPlaneTwo/internal/tile"
)

type Stage uint8

const (
	Load Stage = iota
	Rough
	Update
)

func (s Stage) String() string {
	switch s {
	case Load:
		return "load"
	case Rough:
		return "rough"
	case Update:
		return "update"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Key identifies a unit of work. At most one task per key is outstanding.
type Key struct {
	Stage Stage
	Pos   tile.Pos
}

func (k Key) String() string {
	return k.Stage.String() + "@" + k.Pos.String()
}

type taskState uint8

const (
	stateQueued taskState = iota
	stateRunning
	stateWaiting
	stateFinished
)

type Task struct {
	key      Key
	priority atomic.Int32
	seq      uint64

	// Guarded by Scheduler.mu.
	index   int
	state   taskState
	pending int
	deps    []*Task
	waiters []*Task
	next    *Task

	done chan struct{}
	err  error
}

func (t *Task) Key() Key { return t.key }

func (t *Task) Priority() int32 { return t.priority.Load() }

// Done is closed once the task has finished for good.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the final error of the task. It is only valid after Done.
func (t *Task) Err() error { return t.err }

func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeferredError is returned by a handler that cannot make progress until
// other tasks have run. The scheduler parks the task and requeues it once
// every dependency finished.
type DeferredError struct {
	Keys []Key
}

func (e *DeferredError) Error() string {
	names := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		names[i] = k.String()
	}
	return "deferred on " + strings.Join(names, ", ")
}

func Defer(keys ...Key) error {
	return &DeferredError{Keys: keys}
}
