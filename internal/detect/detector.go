// Package detect turns a cluster's recent telemetry into deduplicated issues.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediate/internal/cache"
	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/notify"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Options tunes a Detector. Zero values take the defaults noted per field.
type Options struct {
	Window            time.Duration // 15m
	SuppressionWindow time.Duration // 30m
	MinInterval       time.Duration // 1m
	LeaseTTL          time.Duration // 2m
	ClassifierTimeout time.Duration // 30s
	MaxTelemetry      int           // 5000

	// Categorize fills the category of candidates that arrive without one.
	Categorize func(kind string) string
	Clock      utils.Clock
	Logger     *slog.Logger
}

// Result is the outcome of one Analyze call.
type Result struct {
	ClusterID  string
	Issues     []models.Issue
	Suppressed int
	Skipped    bool
	Summary    string
}

// Detector runs detection for one cluster at a time.
type Detector struct {
	clusters   store.ClusterStore
	telemetry  store.TelemetryStore
	issues     store.IssueStore
	cache      cache.Provider
	classifier Classifier
	notifier   notify.Notifier
	opts       Options
	clock      utils.Clock
	logger     *slog.Logger
}

// NewDetector wires a Detector. The cache holds the per-cluster lease and the last-run marker,
// so it must be shared between replicas for the lease to mean anything across them.
func NewDetector(clusters store.ClusterStore, telemetry store.TelemetryStore, issues store.IssueStore, provider cache.Provider, classifier Classifier, notifier notify.Notifier, opts Options) *Detector {
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	if opts.SuppressionWindow <= 0 {
		opts.SuppressionWindow = 30 * time.Minute
	}
	if opts.MinInterval < 0 {
		opts.MinInterval = 0
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.ClassifierTimeout <= 0 {
		opts.ClassifierTimeout = 30 * time.Second
	}
	if opts.MaxTelemetry <= 0 {
		opts.MaxTelemetry = 5000
	}
	if provider == nil {
		provider = cache.NewMemoryProvider()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		clusters:   clusters,
		telemetry:  telemetry,
		issues:     issues,
		cache:      provider,
		classifier: classifier,
		notifier:   notifier,
		opts:       opts,
		clock:      opts.Clock.OrSystem(),
		logger:     logger,
	}
}

func leaseKey(clusterID string) string   { return "remediate:detect:lease:" + clusterID }
func lastRunKey(clusterID string) string { return "remediate:detect:last:" + clusterID }

// Analyze runs one detection pass. Without force, a cluster analysed less than MinInterval
// ago is not re-analysed and its active issues are returned instead.
func (d *Detector) Analyze(ctx context.Context, clusterID string, force bool) (Result, error) {
	const op = "detect.Analyze"
	if clusterID == "" {
		return Result{}, utils.Validation(op, "cluster_id is required")
	}
	if _, err := d.clusters.GetCluster(ctx, clusterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, utils.NotFound(op, "unknown cluster "+clusterID)
		}
		return Result{}, utils.Transient(op, "load cluster", err)
	}

	token := []byte(uuid.NewString())
	acquired, err := d.cache.SetNX(ctx, leaseKey(clusterID), token, d.opts.LeaseTTL)
	if err != nil {
		return Result{}, utils.Transient(op, "acquire detection lease", err)
	}
	if !acquired {
		metrics.ObserveDetection(0, metrics.OutcomeSkipped)
		return Result{}, utils.NewKindError(utils.KindConflict, op, "analysis in progress for cluster "+clusterID, nil)
	}
	defer func() {
		released, err := d.cache.Release(context.WithoutCancel(ctx), leaseKey(clusterID), token)
		if err != nil {
			d.logger.Warn("release detection lease", slog.String("cluster_id", clusterID), slog.Any("error", err))
		} else if !released {
			d.logger.Warn("detection lease expired before release", slog.String("cluster_id", clusterID), slog.Duration("lease_ttl", d.opts.LeaseTTL))
		}
	}()

	now := d.clock()
	if !force && d.recentlyAnalysed(ctx, clusterID, now) {
		active, err := d.issues.ListIssues(ctx, store.IssueFilter{ClusterID: clusterID, Statuses: []models.IssueStatus{models.IssueActive}})
		if err != nil {
			return Result{}, utils.Transient(op, "list active issues", err)
		}
		metrics.ObserveDetection(0, metrics.OutcomeSkipped)
		return Result{
			ClusterID: clusterID,
			Issues:    active,
			Skipped:   true,
			Summary:   fmt.Sprintf("skipped: cluster analysed less than %s ago; %d active issues", d.opts.MinInterval, len(active)),
		}, nil
	}

	start := time.Now()
	res, err := d.run(ctx, clusterID, now)
	if err != nil {
		metrics.ObserveDetection(time.Since(start), metrics.OutcomeError)
		return Result{}, err
	}
	metrics.ObserveDetection(time.Since(start), metrics.OutcomeSuccess)

	if d.opts.MinInterval > 0 {
		if err := d.cache.Set(ctx, lastRunKey(clusterID), []byte(utils.FormatTimestamp(now)), d.opts.MinInterval); err != nil {
			d.logger.Warn("record detection run", slog.String("cluster_id", clusterID), slog.Any("error", err))
		}
	}
	return res, nil
}

func (d *Detector) recentlyAnalysed(ctx context.Context, clusterID string, now time.Time) bool {
	if d.opts.MinInterval <= 0 {
		return false
	}
	raw, err := d.cache.Get(ctx, lastRunKey(clusterID))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			d.logger.Warn("read detection marker", slog.String("cluster_id", clusterID), slog.Any("error", err))
		}
		return false
	}
	last, err := utils.ParseRFC3339(string(raw))
	if err != nil {
		return false
	}
	return now.Sub(last) < d.opts.MinInterval
}

func (d *Detector) run(ctx context.Context, clusterID string, now time.Time) (Result, error) {
	const op = "detect.Analyze"

	records, err := d.telemetry.ListTelemetry(ctx, clusterID, now.Add(-d.opts.Window), now, d.opts.MaxTelemetry)
	if err != nil {
		return Result{}, utils.Transient(op, "load telemetry window", err)
	}
	open, err := d.issues.ListIssues(ctx, store.IssueFilter{
		ClusterID: clusterID,
		Statuses:  []models.IssueStatus{models.IssueActive},
		Since:     now.Add(-d.opts.SuppressionWindow),
	})
	if err != nil {
		return Result{}, utils.Transient(op, "load active issues", err)
	}

	classifyCtx, cancel := context.WithTimeout(ctx, d.opts.ClassifierTimeout)
	candidates, err := d.classifier.Classify(classifyCtx, Input{
		ClusterID:    clusterID,
		Telemetry:    records,
		ActiveIssues: open,
		Now:          now,
	})
	cancel()
	if err != nil {
		return Result{}, utils.Transient(op, "classifier unavailable", err)
	}

	seen := make(map[string]struct{}, len(open)+len(candidates))
	for _, issue := range open {
		seen[issue.DedupKey] = struct{}{}
	}

	res := Result{ClusterID: clusterID, Issues: make([]models.Issue, 0)}
	for _, c := range candidates {
		c = c.normalise()
		if err := c.Validate(); err != nil {
			d.logger.Debug("dropping invalid candidate", slog.String("cluster_id", clusterID), slog.String("kind", c.Kind), slog.Any("error", err))
			continue
		}
		key := DedupKey(c.Resource, c.Kind)
		if _, dup := seen[key]; dup {
			res.Suppressed++
			continue
		}
		seen[key] = struct{}{}

		issue := d.newIssue(clusterID, key, c, now)
		if err := d.issues.InsertIssue(ctx, issue); err != nil {
			return Result{}, utils.Transient(op, "insert issue", err)
		}
		res.Issues = append(res.Issues, issue)

		if issue.Severity.AtLeast(models.SeverityHigh) {
			notify.Send(ctx, d.notifier, d.logger, notify.Event{
				Type:       notify.EventIssueDetected,
				ClusterID:  clusterID,
				SubjectID:  issue.ID,
				Severity:   issue.Severity,
				Message:    issue.Title,
				Attributes: map[string]string{"kind": issue.Kind, "resource": issue.Resource.Identity()},
				OccurredAt: now,
			})
		}
	}

	metrics.ObserveIssues(len(res.Issues), res.Suppressed)
	res.Summary = fmt.Sprintf("analysed %d telemetry records: %d new issues, %d duplicates suppressed", len(records), len(res.Issues), res.Suppressed)
	d.logger.Info("detection finished",
		slog.String("cluster_id", clusterID),
		slog.Int("records", len(records)),
		slog.Int("candidates", len(candidates)),
		slog.Int("new_issues", len(res.Issues)),
		slog.Int("suppressed", res.Suppressed),
	)
	return res, nil
}

func (d *Detector) newIssue(clusterID, key string, c Candidate, now time.Time) models.Issue {
	category := c.Category
	if category == "" && d.opts.Categorize != nil {
		category = d.opts.Categorize(c.Kind)
	}
	return models.Issue{
		ID:             uuid.NewString(),
		ClusterID:      clusterID,
		Kind:           c.Kind,
		Category:       category,
		Severity:       c.Severity,
		Status:         models.IssueActive,
		DedupKey:       key,
		Resource:       c.Resource,
		Title:          c.Description,
		Evidence:       c.Evidence,
		Analysis:       c.Analysis,
		Recommendation: c.Recommendation,
		DetectedAt:     now,
		UpdatedAt:      now,
	}
}
