// Package scheduler drives the periodic work of the engine: per-cluster scans, the command
// retry sweep, the approval sweep and telemetry retention.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-remediate/internal/approval"
	"github.com/miradorstack/mirador-remediate/internal/dispatch"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/services"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Service is the subset of services.RemediationService the scheduler drives.
type Service interface {
	ListClusters(ctx context.Context) ([]models.Cluster, error)
	GetPolicy(ctx context.Context, clusterID string) (models.Policy, error)
	Analyze(ctx context.Context, clusterID string, force bool) (services.AnalysisResult, error)
	Reconcile(ctx context.Context, clusterID string) (int, error)
	SweepRetries(ctx context.Context) (dispatch.SweepResult, error)
	SweepApprovals(ctx context.Context) (approval.SweepResult, error)
	PruneTelemetry(ctx context.Context) (int, error)
}

// Options sets the loop periods. A zero period disables that loop.
type Options struct {
	ScanTick         time.Duration
	RetryInterval    time.Duration
	ApprovalInterval time.Duration
	PruneInterval    time.Duration
	// Concurrency bounds how many clusters are analysed at once.
	Concurrency int
	Clock       utils.Clock
	Logger      *slog.Logger
}

// Scheduler runs the periodic loops.
type Scheduler struct {
	svc    Service
	opts   Options
	clock  utils.Clock
	logger *slog.Logger

	mu       sync.Mutex
	lastScan map[string]time.Time
}

// New constructs a Scheduler.
func New(svc Service, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		svc:      svc,
		opts:     opts,
		clock:    opts.Clock.OrSystem(),
		logger:   logger,
		lastScan: make(map[string]time.Time),
	}
}

// Run blocks until ctx is done. Failures of a single pass are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.every(g, ctx, "scan", s.opts.ScanTick, func(ctx context.Context) {
		s.ScanOnce(ctx)
	})
	s.every(g, ctx, "retry sweep", s.opts.RetryInterval, func(ctx context.Context) {
		if _, err := s.svc.SweepRetries(ctx); err != nil {
			s.logger.Warn("retry sweep failed", slog.Any("error", err))
		}
	})
	s.every(g, ctx, "approval sweep", s.opts.ApprovalInterval, func(ctx context.Context) {
		if _, err := s.svc.SweepApprovals(ctx); err != nil {
			s.logger.Warn("approval sweep failed", slog.Any("error", err))
		}
	})
	s.every(g, ctx, "telemetry prune", s.opts.PruneInterval, func(ctx context.Context) {
		if _, err := s.svc.PruneTelemetry(ctx); err != nil {
			s.logger.Warn("telemetry prune failed", slog.Any("error", err))
		}
	})
	return g.Wait()
}

func (s *Scheduler) every(g *errgroup.Group, ctx context.Context, name string, period time.Duration, fn func(context.Context)) {
	if period <= 0 {
		s.logger.Debug("scheduler loop disabled", slog.String("loop", name))
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// ScanOnce analyses every cluster whose policy scan interval has elapsed since its last scan
// and returns how many were analysed.
func (s *Scheduler) ScanOnce(ctx context.Context) int {
	clusters, err := s.svc.ListClusters(ctx)
	if err != nil {
		s.logger.Warn("list clusters", slog.Any("error", err))
		return 0
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		scanned int
	)
	g.SetLimit(s.opts.Concurrency)
	for _, cluster := range clusters {
		if ctx.Err() != nil {
			break
		}
		now := s.clock()
		if !s.due(ctx, cluster.ID, now) {
			continue
		}
		g.Go(func() error {
			if s.scan(ctx, cluster.ID, now) {
				mu.Lock()
				scanned++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return scanned
}

func (s *Scheduler) due(ctx context.Context, clusterID string, now time.Time) bool {
	pol, err := s.svc.GetPolicy(ctx, clusterID)
	if err != nil {
		s.logger.Warn("load policy", slog.String("cluster_id", clusterID), slog.Any("error", err))
		return false
	}
	interval := pol.ScanInterval
	if interval <= 0 {
		interval = s.opts.ScanTick
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.lastScan[clusterID]
	return !seen || now.Sub(last) >= interval
}

func (s *Scheduler) scan(ctx context.Context, clusterID string, now time.Time) bool {
	logger := s.logger.With(slog.String("cluster_id", clusterID))

	res, err := s.svc.Analyze(ctx, clusterID, false)
	switch {
	case err == nil:
	case utils.KindOf(err) == utils.KindConflict:
		logger.Debug("analysis already running elsewhere")
	default:
		logger.Warn("scheduled analysis failed", slog.Any("error", err))
		return false
	}

	s.mu.Lock()
	s.lastScan[clusterID] = now
	s.mu.Unlock()
	if err != nil {
		return false
	}
	if len(res.Issues) > 0 && !res.Skipped {
		logger.Info("scheduled analysis found issues", slog.Int("issues", len(res.Issues)))
	}

	if handled, err := s.svc.Reconcile(ctx, clusterID); err != nil {
		logger.Warn("reconcile issues", slog.Any("error", err))
	} else if handled > 0 {
		logger.Info("re-gated orphaned issues", slog.Int("issues", handled))
	}
	return true
}
