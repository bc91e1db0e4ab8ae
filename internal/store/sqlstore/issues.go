package sqlstore

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/store"
)

func (s *Store) InsertIssue(ctx context.Context, issue models.Issue) error {
	row := issueFromModel(issue)
	return translate(s.db.WithContext(ctx).Create(&row).Error, "insert issue "+issue.ID)
}

func (s *Store) GetIssue(ctx context.Context, id string) (models.Issue, error) {
	var row issueRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return models.Issue{}, translate(err, "get issue "+id)
	}
	return row.toModel(), nil
}

func (s *Store) ListIssues(ctx context.Context, filter store.IssueFilter) ([]models.Issue, error) {
	q := s.db.WithContext(ctx).Model(&issueRow{})
	if filter.ClusterID != "" {
		q = q.Where("cluster_id = ?", filter.ClusterID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	if !filter.Since.IsZero() {
		q = q.Where("detected_at >= ?", filter.Since.UTC())
	}

	var rows []issueRow
	if err := applyLimit(q.Order("detected_at DESC"), filter.Limit).Find(&rows).Error; err != nil {
		return nil, translate(err, "list issues")
	}
	issues := make([]models.Issue, 0, len(rows))
	for _, row := range rows {
		issues = append(issues, row.toModel())
	}
	return issues, nil
}

func (s *Store) TransitionIssue(ctx context.Context, id string, from []models.IssueStatus, to models.IssueStatus, at time.Time) (models.Issue, error) {
	statuses := make([]string, 0, len(from))
	for _, st := range from {
		statuses = append(statuses, string(st))
	}
	res := s.db.WithContext(ctx).Model(&issueRow{}).
		Where("id = ? AND status IN ?", id, statuses).
		Updates(map[string]any{"status": string(to), "updated_at": at.UTC()})
	if err := s.conditional(ctx, &issueRow{}, id, res, "transition issue "+id); err != nil {
		return models.Issue{}, err
	}
	return s.GetIssue(ctx, id)
}
