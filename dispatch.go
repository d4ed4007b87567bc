package pdfapi

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Dispatch limits.
const (
	// DefaultMaxPayload bounds HTML input (5 MB, matching the public
	// API contract).
	DefaultMaxPayload = 5_000_000

	// releaseSlack is deadline headroom reserved so a render that runs
	// to the wire still has time to check the worker back in.
	releaseSlack = 250 * time.Millisecond
)

// Dispatcher orchestrates one render: admission has already happened;
// the dispatcher validates the payload, borrows a worker, executes the
// render under a deadline, and guarantees the worker is released on
// every exit path. A leaked worker would silently shrink effective
// pool capacity until restart, so release discipline is the central
// correctness property here.
type Dispatcher struct {
	pool          *Pool
	maxPayload    int
	renderTimeout time.Duration

	// stamp composites the free-tier watermark; swapped in tests.
	stamp func(pdf []byte) ([]byte, error)
}

// NewDispatcher creates a dispatcher over the pool. maxPayload and
// renderTimeout take defaults when zero.
func NewDispatcher(pool *Pool, maxPayload int, renderTimeout time.Duration) *Dispatcher {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if renderTimeout <= 0 {
		renderTimeout = defaultRenderTimeout
	}
	return &Dispatcher{
		pool:          pool,
		maxPayload:    maxPayload,
		renderTimeout: renderTimeout,
		stamp:         freeTierStamp,
	}
}

// Render runs one render request to completion. Timeouts waiting for a
// worker surface as ErrAcquireTimeout, timeouts during rendering as
// ErrRenderTimeout, and engine crashes as ErrEngineFault; the borrowed
// worker is released exactly once in all cases.
func (d *Dispatcher) Render(ctx context.Context, req *RenderRequest) (*RenderResult, error) {
	// Reject oversized or malformed input before consuming a worker.
	if err := req.Validate(d.maxPayload); err != nil {
		return nil, err
	}

	start := time.Now()

	w, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	outcome := ReleaseClean
	defer func() {
		d.pool.Release(w, outcome)
	}()

	// The render budget stays strictly inside the caller's remaining
	// deadline so the release above always runs before the caller
	// gives up.
	budget := d.renderTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline) - releaseSlack
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: deadline spent waiting for a worker", ErrRenderTimeout)
		}
		if remaining < budget {
			budget = remaining
		}
	}

	rctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	pdf, err := w.Render(rctx, req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			// A render that outlives its deadline usually means the
			// engine is wedged; destroy the worker rather than hand a
			// stuck browser to the next caller.
			outcome = ReleaseFault
			return nil, fmt.Errorf("%w: %v", ErrRenderTimeout, err)
		case errors.Is(err, ErrPageLoad):
			// Content problem (bad URL, unreachable host); the browser
			// itself is fine.
			return nil, err
		default:
			outcome = ReleaseFault
			return nil, fmt.Errorf("%w: %v", ErrEngineFault, err)
		}
	}

	if req.Watermark {
		stamped, err := d.stamp(pdf)
		if err != nil {
			return nil, fmt.Errorf("%w: applying watermark: %v", ErrPDFGeneration, err)
		}
		pdf = stamped
	}

	return &RenderResult{
		PDF:      pdf,
		Pages:    pageCount(pdf),
		Duration: time.Since(start),
	}, nil
}
