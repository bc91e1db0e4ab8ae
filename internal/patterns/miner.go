// Package patterns mines recurring failures from a cluster's issue history so operators can
// see which workloads keep breaking the same way and how often remediation held.
package patterns

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/store"
)

// Pattern aggregates every issue of one kind raised against one workload.
type Pattern struct {
	ID             string          `json:"id"`
	ClusterID      string          `json:"cluster_id"`
	Kind           string          `json:"kind"`
	Category       string          `json:"category,omitempty"`
	Namespace      string          `json:"namespace,omitempty"`
	Workload       string          `json:"workload"`
	Occurrences    int             `json:"occurrences"`
	Active         int             `json:"active"`
	Mitigated      int             `json:"mitigated"`
	FalsePositives int             `json:"false_positives"`
	Prevalence     float64         `json:"prevalence"`
	MitigationRate float64         `json:"mitigation_rate"`
	MaxSeverity    models.Severity `json:"max_severity"`
	FirstSeen      time.Time       `json:"first_seen"`
	LastSeen       time.Time       `json:"last_seen"`
}

// IssueLister is the read side of the issue store the miner needs.
type IssueLister interface {
	ListIssues(ctx context.Context, filter store.IssueFilter) ([]models.Issue, error)
}

// Miner mines frequency-based patterns from issue history.
type Miner struct {
	issues IssueLister
	logger *slog.Logger
}

// NewMiner constructs a Miner.
func NewMiner(logger *slog.Logger, issues IssueLister) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{issues: issues, logger: logger}
}

// Query narrows a mining run.
type Query struct {
	ClusterID string
	Since     time.Time
	// MinOccurrences drops patterns seen fewer times. Values below 1 mean 2.
	MinOccurrences int
	Limit          int
}

// Mine groups the cluster's issues detected since q.Since by kind and workload and returns
// the patterns ordered by occurrences, most recent first on ties.
func (m *Miner) Mine(ctx context.Context, q Query) ([]Pattern, error) {
	issues, err := m.issues.ListIssues(ctx, store.IssueFilter{ClusterID: q.ClusterID, Since: q.Since})
	if err != nil {
		return nil, err
	}
	patterns := Aggregate(issues, q.MinOccurrences)
	if q.Limit > 0 && len(patterns) > q.Limit {
		patterns = patterns[:q.Limit]
	}
	m.logger.Debug("mined issue patterns",
		slog.String("cluster_id", q.ClusterID),
		slog.Int("issues", len(issues)),
		slog.Int("patterns", len(patterns)),
	)
	return patterns, nil
}

// Aggregate is the pure half of Mine.
func Aggregate(issues []models.Issue, minOccurrences int) []Pattern {
	if len(issues) == 0 {
		return nil
	}
	if minOccurrences < 1 {
		minOccurrences = 2
	}

	byKey := make(map[string]*Pattern)
	for _, issue := range issues {
		workload := WorkloadName(issue.Resource)
		key := strings.ToLower(issue.Kind + "|" + issue.Resource.Namespace + "|" + workload)
		p, ok := byKey[key]
		if !ok {
			p = &Pattern{
				ID:        "pattern-" + strings.ReplaceAll(key, "|", "-"),
				ClusterID: issue.ClusterID,
				Kind:      issue.Kind,
				Category:  issue.Category,
				Namespace: issue.Resource.Namespace,
				Workload:  workload,
				FirstSeen: issue.DetectedAt,
			}
			byKey[key] = p
		}
		p.Occurrences++
		switch issue.Status {
		case models.IssueMitigated:
			p.Mitigated++
		case models.IssueFalsePositive:
			p.FalsePositives++
		default:
			p.Active++
		}
		if issue.Severity.Rank() > p.MaxSeverity.Rank() {
			p.MaxSeverity = issue.Severity
		}
		if issue.DetectedAt.Before(p.FirstSeen) {
			p.FirstSeen = issue.DetectedAt
		}
		if issue.DetectedAt.After(p.LastSeen) {
			p.LastSeen = issue.DetectedAt
		}
	}

	patterns := make([]Pattern, 0, len(byKey))
	for _, p := range byKey {
		if p.Occurrences < minOccurrences {
			continue
		}
		p.Prevalence = float64(p.Occurrences) / float64(len(issues))
		if confirmed := p.Occurrences - p.FalsePositives; confirmed > 0 {
			p.MitigationRate = float64(p.Mitigated) / float64(confirmed)
		}
		patterns = append(patterns, *p)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Occurrences != patterns[j].Occurrences {
			return patterns[i].Occurrences > patterns[j].Occurrences
		}
		if !patterns[i].LastSeen.Equal(patterns[j].LastSeen) {
			return patterns[i].LastSeen.After(patterns[j].LastSeen)
		}
		return patterns[i].ID < patterns[j].ID
	})
	return patterns
}

// WorkloadName folds a pod name onto its owning workload by dropping the generated pod and
// replica-set suffixes, so restarts of one deployment land in one pattern.
func WorkloadName(r models.Resource) string {
	name := r.Name
	if name == "" {
		if r.Node != "" {
			return r.Node
		}
		return "unknown"
	}
	if !strings.EqualFold(r.Kind, "pod") {
		return name
	}
	parts := strings.Split(name, "-")
	if len(parts) > 1 && isGenerated(parts[len(parts)-1], 5, 5) {
		parts = parts[:len(parts)-1]
		if len(parts) > 1 && isGenerated(parts[len(parts)-1], 8, 10) {
			parts = parts[:len(parts)-1]
		}
	}
	return strings.Join(parts, "-")
}

func isGenerated(s string, minLen, maxLen int) bool {
	if len(s) < minLen || len(s) > maxLen {
		return false
	}
	hasDigit := false
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	// Kubernetes suffixes avoid vowels; a digit or the absence of vowels marks one.
	return hasDigit || !strings.ContainsAny(s, "aeiou")
}
