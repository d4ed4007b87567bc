package pdfapi

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Pool sizing constants.
const (
	// MinPoolSize ensures at least one worker is available.
	MinPoolSize = 1

	// MaxPoolSize caps browser instances to limit memory (~200MB each).
	MaxPoolSize = 8

	// cpuDivisor leaves headroom for Chrome child processes.
	cpuDivisor = 2
)

// PoolConfig bounds the pool. Zero fields take defaults.
type PoolConfig struct {
	// Target is the pool size replacement aims for after workers die
	// or drain.
	Target int
	// Max caps workers in non-dead states; demand beyond it queues in
	// the backlog.
	Max int
	// BacklogCap bounds the FIFO of callers waiting for a worker.
	// Excess demand is rejected immediately with ErrPoolSaturated.
	BacklogCap int
	// RecycleAfterUses drains a worker after this many renders; 0
	// disables use-based recycling.
	RecycleAfterUses int
	// MaxWorkerAge drains a worker past this age; 0 disables
	// age-based recycling.
	MaxWorkerAge time.Duration
	// MinIdle is the warm floor: shrinkIdle never closes workers
	// below it.
	MinIdle int
	// IdleTimeout is how long an excess idle worker may sit before
	// being reclaimed.
	IdleTimeout time.Duration
	// LaunchTimeout bounds a single engine launch attempt.
	LaunchTimeout time.Duration
	// ShrinkInterval is how often idle reclamation runs.
	ShrinkInterval time.Duration
}

// withDefaults fills zero fields.
func (c PoolConfig) withDefaults() PoolConfig {
	if c.Target <= 0 {
		c.Target = ResolvePoolSize(0)
	}
	if c.Max <= 0 {
		c.Max = MaxPoolSize
	}
	if c.Max < c.Target {
		c.Max = c.Target
	}
	if c.BacklogCap <= 0 {
		c.BacklogCap = 4 * c.Max
	}
	if c.RecycleAfterUses == 0 {
		c.RecycleAfterUses = 100
	}
	if c.MaxWorkerAge == 0 {
		c.MaxWorkerAge = 30 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	if c.ShrinkInterval <= 0 {
		c.ShrinkInterval = time.Minute
	}
	return c
}

// waiter is one backlogged Acquire call. The channel is buffered so a
// releasing goroutine never blocks on handoff; the channel is closed
// only by Close to fail pending waiters.
type waiter struct {
	ch chan *Worker
}

// Pool owns a bounded set of rendering workers and amortizes the
// seconds-long engine launch cost across requests. Membership and the
// backlog are guarded by a single pool lock; mutations are O(1) and
// brief, and rendering happens outside the lock.
type Pool struct {
	driver EngineDriver
	cfg    PoolConfig

	mu        sync.Mutex
	workers   map[string]*Worker // Idle + InUse members
	idle      []*Worker          // front = idle the longest
	backlog   []*waiter          // FIFO
	launching int
	closed    bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates a pool over the given driver and starts the idle
// reclamation loop. Workers are launched lazily on first Acquire.
func NewPool(driver EngineDriver, cfg PoolConfig) *Pool {
	p := &Pool{
		driver:  driver,
		cfg:     cfg.withDefaults(),
		workers: make(map[string]*Worker),
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.shrinkLoop()
	return p
}

// Acquire checks out a worker, honoring ctx's deadline. An idle worker
// is returned immediately; below Max a fresh worker is launched
// synchronously; otherwise the caller joins the backlog. A full
// backlog returns ErrPoolSaturated at once rather than queueing
// unboundedly.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Reuse an idle worker, discarding any that fail the health check.
	for len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		if !w.engine.Healthy() {
			w.state = WorkerDead
			delete(p.workers, w.id)
			p.retireLocked(w, true)
			p.replaceAsync()
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return nil, ErrPoolClosed
			}
			continue
		}
		w.state = WorkerInUse
		w.lastActive = time.Now()
		p.mu.Unlock()
		return w, nil
	}

	// Room to grow: launch synchronously, counting the in-flight
	// launch against Max so concurrent acquires cannot overshoot.
	if len(p.workers)+p.launching < p.cfg.Max {
		p.launching++
		p.mu.Unlock()

		w, err := p.launch(ctx)

		p.mu.Lock()
		p.launching--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			_ = w.engine.Close()
			return nil, ErrPoolClosed
		}
		w.state = WorkerInUse
		p.workers[w.id] = w
		p.mu.Unlock()
		return w, nil
	}

	// At capacity: join the backlog if there is room.
	if len(p.backlog) >= p.cfg.BacklogCap {
		p.mu.Unlock()
		return nil, ErrPoolSaturated
	}
	wt := &waiter{ch: make(chan *Worker, 1)}
	p.backlog = append(p.backlog, wt)
	p.mu.Unlock()

	select {
	case w, ok := <-wt.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return w, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, cand := range p.backlog {
			if cand == wt {
				p.backlog = append(p.backlog[:i], p.backlog[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// A release may have handed us a worker before we left the
		// queue; put it back instead of leaking it.
		select {
		case w, ok := <-wt.ch:
			if ok {
				p.requeue(w)
			}
		default:
		}
		return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
	}
}

// Release checks a worker back in. Must be called exactly once per
// successful Acquire, on every exit path. A fault outcome (or a worker
// whose engine reports unhealthy) destroys the worker and triggers
// asynchronous replacement; a clean outcome recycles or parks it.
func (p *Pool) Release(w *Worker, outcome ReleaseOutcome) {
	p.mu.Lock()

	if outcome == ReleaseFault || !w.engine.Healthy() {
		w.state = WorkerDead
		delete(p.workers, w.id)
		// The process-group kill covers Chrome child processes a
		// graceful close can leave behind after a crash.
		p.retireLocked(w, true)
		p.replaceAsync()
		return
	}

	now := time.Now()
	w.uses++
	recycle := (p.cfg.RecycleAfterUses > 0 && w.uses >= p.cfg.RecycleAfterUses) ||
		(p.cfg.MaxWorkerAge > 0 && w.age(now) >= p.cfg.MaxWorkerAge)
	if recycle {
		w.state = WorkerDraining
		delete(p.workers, w.id)
		p.retireLocked(w, false)
		p.replaceAsync()
		return
	}

	if p.closed {
		w.state = WorkerDraining
		delete(p.workers, w.id)
		p.mu.Unlock()
		_ = w.engine.Close()
		return
	}

	// Hand off directly to the longest-waiting caller, else park idle.
	// The send stays under the lock: an expired waiter's
	// remove-then-drain either runs before the pop or observes the
	// buffered worker, so it is never stranded in the channel.
	if len(p.backlog) > 0 {
		wt := p.backlog[0]
		p.backlog = p.backlog[1:]
		w.state = WorkerInUse
		w.lastActive = now
		wt.ch <- w
		p.mu.Unlock()
		return
	}

	w.state = WorkerIdle
	w.lastActive = now
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// requeue puts a worker delivered to an expired waiter back into
// rotation without counting a use.
func (p *Pool) requeue(w *Worker) {
	p.mu.Lock()
	if p.closed {
		w.state = WorkerDraining
		delete(p.workers, w.id)
		p.mu.Unlock()
		_ = w.engine.Close()
		return
	}
	if len(p.backlog) > 0 {
		wt := p.backlog[0]
		p.backlog = p.backlog[1:]
		w.state = WorkerInUse
		w.lastActive = time.Now()
		wt.ch <- w
		p.mu.Unlock()
		return
	}
	w.state = WorkerIdle
	w.lastActive = time.Now()
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// launch starts one engine, retrying once internally before surfacing
// ErrEngineFault. A caller deadline that expires mid-launch surfaces as
// ErrAcquireTimeout instead.
func (p *Pool) launch(ctx context.Context) (*Worker, error) {
	lctx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	defer cancel()

	eng, err := p.driver.Launch(lctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
		}
		eng, err = p.driver.Launch(lctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: launching worker: %v", ErrEngineFault, err)
	}
	return newWorker(eng), nil
}

// replaceAsync launches a replacement in the background when the pool
// is below target or callers are waiting. Launch failures here are
// swallowed: the pool degrades and the next Acquire retries.
func (p *Pool) replaceAsync() {
	p.mu.Lock()
	if p.closed ||
		len(p.workers)+p.launching >= p.cfg.Max ||
		(len(p.workers)+p.launching >= p.cfg.Target && len(p.backlog) == 0) {
		p.mu.Unlock()
		return
	}
	p.launching++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		w, err := p.launch(context.Background())

		p.mu.Lock()
		p.launching--
		if err != nil {
			p.mu.Unlock()
			return
		}
		if p.closed {
			p.mu.Unlock()
			_ = w.engine.Close()
			return
		}
		p.workers[w.id] = w
		if len(p.backlog) > 0 {
			wt := p.backlog[0]
			p.backlog = p.backlog[1:]
			w.state = WorkerInUse
			w.lastActive = time.Now()
			wt.ch <- w
			p.mu.Unlock()
			return
		}
		w.state = WorkerIdle
		p.idle = append(p.idle, w)
		p.mu.Unlock()
	}()
}

// retireLocked schedules w's engine close without blocking the caller
// and releases p.mu, which must be held on entry. The WaitGroup slot
// is taken under the lock so the Add is ordered before Close's Wait.
// Once shutdown has begun the Wait may already be running, so the
// close happens synchronously instead.
func (p *Pool) retireLocked(w *Worker, kill bool) {
	closed := p.closed
	if !closed {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if closed {
		if kill {
			killBrowserTree(w.engine.PID())
		}
		_ = w.engine.Close()
		return
	}
	go func() {
		defer p.wg.Done()
		if kill {
			killBrowserTree(w.engine.PID())
		}
		_ = w.engine.Close()
	}()
}

// shrinkLoop periodically reclaims excess idle workers.
func (p *Pool) shrinkLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ShrinkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.shrinkIdle(time.Now())
		}
	}
}

// shrinkIdle closes idle workers beyond the warm floor that have been
// unused for longer than IdleTimeout. The front of the idle list has
// been idle the longest.
func (p *Pool) shrinkIdle(now time.Time) {
	p.mu.Lock()
	var victims []*Worker
	for len(p.idle) > p.cfg.MinIdle {
		w := p.idle[0]
		if w.idleFor(now) < p.cfg.IdleTimeout {
			break
		}
		p.idle = p.idle[1:]
		w.state = WorkerDraining
		delete(p.workers, w.id)
		victims = append(victims, w)
	}
	p.wg.Add(len(victims))
	p.mu.Unlock()

	for _, w := range victims {
		go func(w *Worker) {
			defer p.wg.Done()
			_ = w.engine.Close()
		}(w)
	}
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Workers   int
	Idle      int
	Backlog   int
	Launching int
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:   len(p.workers),
		Idle:      len(p.idle),
		Backlog:   len(p.backlog),
		Launching: p.launching,
	}
}

// Close fails pending waiters, closes idle workers, and waits for
// background work. Workers checked out at close time are closed by
// their Release. Returns an aggregated error if multiple workers fail
// to close.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	waiters := p.backlog
	p.backlog = nil
	idle := p.idle
	p.idle = nil
	for _, w := range idle {
		w.state = WorkerDraining
		delete(p.workers, w.id)
	}
	p.mu.Unlock()

	for _, wt := range waiters {
		close(wt.ch)
	}

	var errs []error
	for _, w := range idle {
		if err := w.engine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

// ResolvePoolSize determines the pool target size.
// Priority: explicit workers > GOMAXPROCS-based calculation.
func ResolvePoolSize(workers int) int {
	if workers > 0 {
		return workers
	}

	// Auto-calculate based on GOMAXPROCS (adjusted by automaxprocs for containers)
	available := runtime.GOMAXPROCS(0)
	n := available / cpuDivisor

	if n < MinPoolSize {
		return MinPoolSize
	}
	if n > MaxPoolSize {
		return MaxPoolSize
	}
	return n
}
