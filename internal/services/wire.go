package services

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/mirador-remediate/internal/approval"
	"github.com/miradorstack/mirador-remediate/internal/auth"
	"github.com/miradorstack/mirador-remediate/internal/cache"
	"github.com/miradorstack/mirador-remediate/internal/config"
	"github.com/miradorstack/mirador-remediate/internal/detect"
	"github.com/miradorstack/mirador-remediate/internal/dispatch"
	"github.com/miradorstack/mirador-remediate/internal/ingest"
	"github.com/miradorstack/mirador-remediate/internal/notify"
	"github.com/miradorstack/mirador-remediate/internal/policy"
	"github.com/miradorstack/mirador-remediate/internal/ratelimit"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Infra is the process-level plumbing a service is built on. Cache, Limiter and Notifier fall
// back to in-process implementations when nil; Classifier overrides the configured one.
type Infra struct {
	Store      store.Store
	Cache      cache.Provider
	Limiter    ratelimit.Limiter
	Notifier   notify.Notifier
	Classifier detect.Classifier
	Clock      utils.Clock
	Logger     *slog.Logger
}

// Build assembles the full component graph described by cfg.
func Build(cfg *config.Config, infra Infra) (*RemediationService, error) {
	if infra.Store == nil {
		return nil, fmt.Errorf("build service: store is required")
	}
	logger := infra.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if infra.Cache == nil {
		infra.Cache = cache.NewMemoryProvider()
	}
	if infra.Limiter == nil {
		infra.Limiter = ratelimit.NewLocal(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}
	if infra.Notifier == nil {
		infra.Notifier = notify.NewLogNotifier(logger)
	}

	classifier := infra.Classifier
	if classifier == nil {
		var err error
		if classifier, err = NewClassifier(cfg.Classifier, logger); err != nil {
			return nil, err
		}
	}
	planner, err := policy.NewPlanner(cfg.Planner.RulesPath, logger)
	if err != nil {
		return nil, fmt.Errorf("build planner: %w", err)
	}

	verifier := auth.NewCredentialVerifier(infra.Store)
	gate := ingest.NewGate(verifier, infra.Limiter, infra.Store, infra.Store, ingest.Options{
		MaxRecords:   cfg.Ingest.MaxRecords,
		MaxClockSkew: cfg.Ingest.MaxClockSkew,
		Caps:         ingest.MergeCaps(cfg.Ingest.KindCaps),
		Clock:        infra.Clock,
		Logger:       logger.With(slog.String("component", "ingest")),
	})
	detector := detect.NewDetector(infra.Store, infra.Store, infra.Store, infra.Cache, classifier, infra.Notifier, detect.Options{
		Window:            cfg.Detection.Window,
		SuppressionWindow: cfg.Detection.SuppressionWindow,
		MinInterval:       cfg.Detection.MinInterval,
		LeaseTTL:          cfg.Detection.LeaseTTL,
		ClassifierTimeout: cfg.Detection.ClassifierTimeout,
		Categorize:        planner.Category,
		Clock:             infra.Clock,
		Logger:            logger.With(slog.String("component", "detect")),
	})
	dispatcher := dispatch.NewDispatcher(infra.Store, infra.Store, infra.Notifier, dispatch.Options{
		MaxRetries:       cfg.Dispatch.MaxRetries,
		Backoff:          dispatch.Backoff{Base: cfg.Dispatch.BackoffBase, Max: cfg.Dispatch.BackoffMax},
		ExecutionTimeout: cfg.Dispatch.ExecutionTimeout,
		SweepBatch:       cfg.Dispatch.SweepBatch,
		FetchLimit:       cfg.Dispatch.FetchLimit,
		Clock:            infra.Clock,
		Logger:           logger.With(slog.String("component", "dispatch")),
	})
	workflow := approval.NewWorkflow(infra.Store, dispatcher, infra.Notifier, approval.Options{
		DefaultTimeout: cfg.Policy.DefaultApprovalTimeout,
		Clock:          infra.Clock,
		Logger:         logger.With(slog.String("component", "approval")),
	})

	return NewRemediationService(Components{
		Store:      infra.Store,
		Gate:       gate,
		Agents:     verifier,
		Detector:   detector,
		Planner:    planner,
		Approvals:  workflow,
		Dispatcher: dispatcher,
	}, Options{
		DefaultApprovalTimeout: cfg.Policy.DefaultApprovalTimeout,
		DefaultScanInterval:    cfg.Policy.DefaultScanInterval,
		TelemetryRetention:     cfg.Detection.Retention,
		Clock:                  infra.Clock,
		Logger:                 logger,
	}), nil
}

// NewClassifier builds the classifier selected by cfg.Provider.
func NewClassifier(cfg config.ClassifierConfig, logger *slog.Logger) (detect.Classifier, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "heuristic":
		return detect.NewHeuristicClassifier(detect.HeuristicOptions{
			ZThreshold:      cfg.Heuristic.ZThreshold,
			RestartWarning:  cfg.Heuristic.RestartWarning,
			ErrorLogsPerMin: cfg.Heuristic.ErrorLogsPerMin,
		}), nil
	case "openai":
		c, err := detect.NewOpenAIClassifier(detect.OpenAIConfig{
			APIKey:    cfg.OpenAI.APIKey,
			BaseURL:   cfg.OpenAI.BaseURL,
			Model:     cfg.OpenAI.Model,
			MaxTokens: cfg.OpenAI.MaxTokens,
			Logger:    logger.With(slog.String("component", "classifier")),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}
