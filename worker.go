package pdfapi

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WorkerState tracks a worker through its lifecycle.
type WorkerState int32

// Worker states. Transitions: Idle → InUse (checkout) → Idle (clean
// checkin) or Draining (recycle threshold hit) → Dead (drain complete
// or crash) → removed from the pool.
const (
	WorkerIdle WorkerState = iota
	WorkerInUse
	WorkerDraining
	WorkerDead
)

// String returns the state name for logs and tests.
func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerInUse:
		return "in-use"
	case WorkerDraining:
		return "draining"
	case WorkerDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ReleaseOutcome tells the pool how a borrowed worker behaved.
type ReleaseOutcome int

// Release outcomes.
const (
	// ReleaseClean: the worker behaved normally and can be reused.
	ReleaseClean ReleaseOutcome = iota
	// ReleaseFault: the engine was non-responsive or crashed; the
	// worker must be destroyed and replaced.
	ReleaseFault
)

// Worker is one warm rendering context owned by the pool. It is handed
// out as a borrowed handle between Acquire and Release; callers must
// not retain a reference past Release.
type Worker struct {
	id     string
	engine EngineInstance

	// Bookkeeping below is owned by the pool and mutated only under
	// the pool lock.
	state      WorkerState
	createdAt  time.Time
	lastActive time.Time
	uses       int
}

func newWorker(engine EngineInstance) *Worker {
	now := time.Now()
	return &Worker{
		id:         uuid.NewString(),
		engine:     engine,
		state:      WorkerIdle,
		createdAt:  now,
		lastActive: now,
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.id
}

// Render executes one render on the underlying engine.
func (w *Worker) Render(ctx context.Context, req *RenderRequest) ([]byte, error) {
	return w.engine.Render(ctx, req)
}

// age returns how long the worker has existed.
func (w *Worker) age(now time.Time) time.Duration {
	return now.Sub(w.createdAt)
}

// idleFor returns how long the worker has been parked idle.
func (w *Worker) idleFor(now time.Time) time.Duration {
	return now.Sub(w.lastActive)
}
