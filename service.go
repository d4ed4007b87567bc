package pdfapi

import (
	"context"
	"fmt"
	"time"
)

// SnapshotStore persists quota counters across restarts. Persistence
// is best-effort: losing a snapshot costs at most one flush interval
// of counting.
type SnapshotStore interface {
	SaveQuota(snap map[string]QuotaSnapshot) error
	LoadQuota() (map[string]QuotaSnapshot, error)
}

// serviceConfig holds configuration applied by options.
type serviceConfig struct {
	driver        EngineDriver
	pool          PoolConfig
	maxPayload    int
	renderTimeout time.Duration
	snapshots     SnapshotStore
	snapshotEvery time.Duration
}

// Option customizes Service construction.
type Option func(*serviceConfig)

// WithDriver replaces the default Chromium driver (e.g., by tests).
func WithDriver(d EngineDriver) Option {
	return func(c *serviceConfig) { c.driver = d }
}

// WithPoolConfig sets worker pool bounds.
func WithPoolConfig(pc PoolConfig) Option {
	return func(c *serviceConfig) { c.pool = pc }
}

// WithMaxPayload bounds HTML input size in bytes.
func WithMaxPayload(n int) Option {
	return func(c *serviceConfig) { c.maxPayload = n }
}

// WithRenderTimeout bounds a single render.
func WithRenderTimeout(d time.Duration) Option {
	return func(c *serviceConfig) { c.renderTimeout = d }
}

// WithSnapshotStore enables periodic quota snapshotting. A zero
// interval defaults to one minute.
func WithSnapshotStore(store SnapshotStore, every time.Duration) Option {
	return func(c *serviceConfig) {
		c.snapshots = store
		c.snapshotEvery = every
	}
}

// Service is the subsystem entry point: admission in front, the warm
// worker pool behind, transforms alongside.
type Service struct {
	ledger     *Ledger
	admission  *Admission
	pool       *Pool
	dispatcher *Dispatcher
	markdown   markdownConverter

	snapshots SnapshotStore
	stopSnap  chan struct{}
	snapDone  chan struct{}
}

// New creates a Service. The resolver maps raw API keys to plan tiers;
// keystore.Store satisfies it. Use options to customize behavior.
func New(resolver PlanResolver, opts ...Option) *Service {
	cfg := serviceConfig{
		driver:        &RodDriver{},
		snapshotEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ledger := NewLedger()
	if cfg.snapshots != nil {
		if snap, err := cfg.snapshots.LoadQuota(); err == nil {
			ledger.Restore(snap)
		}
	}

	pool := NewPool(cfg.driver, cfg.pool)
	s := &Service{
		ledger:     ledger,
		admission:  NewAdmission(ledger, resolver),
		pool:       pool,
		dispatcher: NewDispatcher(pool, cfg.maxPayload, cfg.renderTimeout),
		markdown:   newGoldmarkConverter(),
		snapshots:  cfg.snapshots,
	}

	if s.snapshots != nil {
		s.stopSnap = make(chan struct{})
		s.snapDone = make(chan struct{})
		go s.snapshotLoop(cfg.snapshotEvery)
	}
	return s
}

// Admit gates one request on quota and rate policy. See
// Admission.Admit for the rejection contract.
func (s *Service) Admit(ctx context.Context, rawKey, clientIP string) (*Decision, error) {
	return s.admission.Admit(ctx, rawKey, clientIP)
}

// Render runs one admitted render request through the worker pool.
func (s *Service) Render(ctx context.Context, req *RenderRequest) (*RenderResult, error) {
	return s.dispatcher.Render(ctx, req)
}

// RenderMarkdown converts Markdown to styled HTML and renders it.
func (s *Service) RenderMarkdown(ctx context.Context, markdown string, opts *RenderOptions, watermark bool) (*RenderResult, error) {
	if markdown == "" {
		return nil, ErrEmptyContent
	}
	htmlContent, err := s.markdown.ToHTML(ctx, markdown)
	if err != nil {
		return nil, fmt.Errorf("converting markdown: %w", err)
	}
	return s.Render(ctx, &RenderRequest{
		HTML:      injectCSS(htmlContent, markdownBaseCSS),
		Options:   opts,
		Watermark: watermark,
	})
}

// Usage reports the caller's counters without consuming capacity.
func (s *Service) Usage(ctx context.Context, rawKey, clientIP string) (*UsageStats, error) {
	return s.admission.Usage(ctx, rawKey, clientIP)
}

// PoolStats reports current worker pool occupancy.
func (s *Service) PoolStats() Stats {
	return s.pool.Stats()
}

// snapshotLoop periodically flushes quota counters to the store.
func (s *Service) snapshotLoop(every time.Duration) {
	defer close(s.snapDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSnap:
			return
		case <-ticker.C:
			_ = s.snapshots.SaveQuota(s.ledger.Snapshot())
		}
	}
}

// Close stops snapshotting (with a final flush) and shuts the pool
// down.
func (s *Service) Close() error {
	if s.snapshots != nil {
		close(s.stopSnap)
		<-s.snapDone
		_ = s.snapshots.SaveQuota(s.ledger.Snapshot())
	}
	return s.pool.Close()
}
