package jobs

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrAlreadyRunning is returned when a job is triggered while a previous run
// of the same job has not finished. Callers treat it as a no-op.
var ErrAlreadyRunning = errors.New("job already running")

// Guard is a single-flight flag. At most one Run executes at a time; an
// overlapping Run returns ErrAlreadyRunning without calling fn.
type Guard struct {
	running atomic.Bool
}

func (g *Guard) Run(ctx context.Context, fn func(context.Context) error) error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer g.running.Store(false)
	return fn(ctx)
}

// Running reports whether a run is in progress.
func (g *Guard) Running() bool { return g.running.Load() }
