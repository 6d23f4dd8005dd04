// Package worker runs the cooperative loop that owns all deferred work:
// queued tasks first, then one Run step of every channel.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/chaz8081/ctrlchan/internal/taskqueue"
)

// Stepper is a channel that makes progress in worker context.
type Stepper interface {
	Run() error
}

// Loop drives a task queue and a set of steppers from one goroutine.
type Loop struct {
	Queue    *taskqueue.Queue
	Steppers []Stepper
	// Tick is the idle interval between steps.
	Tick time.Duration
	// MaxTasksPerStep bounds queued tasks run before the steppers get a
	// turn. Zero means 16.
	MaxTasksPerStep int
}

// Step runs up to MaxTasksPerStep tasks, then every stepper once. Stepper
// errors are logged; the stepper is expected to have reset itself. It
// reports whether tasks remain queued.
func (l *Loop) Step() bool {
	max := l.MaxTasksPerStep
	if max <= 0 {
		max = 16
	}
	if l.Queue != nil {
		for range max {
			if !l.Queue.Process() {
				break
			}
		}
	}
	for _, s := range l.Steppers {
		if err := s.Run(); err != nil {
			slog.Warn("[worker] step failed", "error", err)
		}
	}
	return l.Queue != nil && l.Queue.Len() > 0
}

// Run steps until ctx is done. It steps again immediately while tasks are
// pending and otherwise waits Tick.
func (l *Loop) Run(ctx context.Context) error {
	tick := l.Tick
	if tick <= 0 {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	slog.Debug("[worker] started", "tick", tick, "steppers", len(l.Steppers))
	for {
		if l.Step() {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			slog.Debug("[worker] stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
