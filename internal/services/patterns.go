package services

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/patterns"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

const defaultPatternWindow = 7 * 24 * time.Hour

// IssuePatterns reports the recurring failures of a cluster over the trailing window.
func (s *RemediationService) IssuePatterns(ctx context.Context, clusterID string, window time.Duration, minOccurrences, limit int) ([]patterns.Pattern, error) {
	const op = "services.IssuePatterns"
	if window < 0 {
		return nil, utils.Validation(op, "window must not be negative")
	}
	if window == 0 {
		window = defaultPatternWindow
	}
	if _, err := s.policyFor(ctx, clusterID); err != nil {
		return nil, err
	}
	found, err := s.miner.Mine(ctx, patterns.Query{
		ClusterID:      clusterID,
		Since:          s.clock().Add(-window),
		MinOccurrences: minOccurrences,
		Limit:          limit,
	})
	if err != nil {
		return nil, utils.Transient(op, "mine issue patterns", err)
	}
	return found, nil
}
