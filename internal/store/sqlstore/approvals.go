package sqlstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/store"
)

func (s *Store) CreateApproval(ctx context.Context, req models.ApprovalRequest, now time.Time) (models.ApprovalRequest, bool, error) {
	var (
		stored  models.ApprovalRequest
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing approvalRow
		err := tx.Where("pending_key = ?", pendingKey(req.ClusterID, req.IssueID)).Take(&existing).Error
		switch {
		case err == nil:
			if !now.After(existing.ExpiresAt) {
				stored = existing.toModel()
				return nil
			}
			if err := tx.Model(&approvalRow{}).
				Where("id = ? AND status = ?", existing.ID, string(models.ApprovalPending)).
				Updates(map[string]any{"status": string(models.ApprovalExpired), "pending_key": nil}).Error; err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		row := approvalFromModel(req)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		stored = req
		created = true
		return nil
	})
	if err != nil {
		return models.ApprovalRequest{}, false, translate(err, "create approval "+req.ID)
	}
	return stored, created, nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error) {
	var row approvalRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return models.ApprovalRequest{}, translate(err, "get approval "+id)
	}
	return row.toModel(), nil
}

func (s *Store) ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]models.ApprovalRequest, error) {
	q := s.db.WithContext(ctx).Model(&approvalRow{})
	if filter.ClusterID != "" {
		q = q.Where("cluster_id = ?", filter.ClusterID)
	}
	if filter.IssueID != "" {
		q = q.Where("issue_id = ?", filter.IssueID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	var rows []approvalRow
	if err := applyLimit(q.Order("created_at DESC"), filter.Limit).Find(&rows).Error; err != nil {
		return nil, translate(err, "list approvals")
	}
	reqs := make([]models.ApprovalRequest, 0, len(rows))
	for _, row := range rows {
		reqs = append(reqs, row.toModel())
	}
	return reqs, nil
}

func (s *Store) TransitionApproval(ctx context.Context, id string, from models.ApprovalStatus, update store.ApprovalUpdate) (models.ApprovalRequest, error) {
	values := map[string]any{"status": string(update.Status)}
	if update.Status != models.ApprovalPending {
		values["pending_key"] = nil
	}
	if update.RespondedAt != nil {
		values["responded_at"] = update.RespondedAt.UTC()
	}
	if update.Channel != "" {
		values["responder_channel"] = string(update.Channel)
	}
	if update.Responder != "" {
		values["responder"] = update.Responder
	}
	if update.CommandID != "" {
		values["command_id"] = update.CommandID
	}

	res := s.db.WithContext(ctx).Model(&approvalRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(values)
	if err := s.conditional(ctx, &approvalRow{}, id, res, "transition approval "+id); err != nil {
		return models.ApprovalRequest{}, err
	}
	return s.GetApproval(ctx, id)
}

func (s *Store) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&approvalRow{}).
		Where("status = ? AND expires_at < ?", string(models.ApprovalPending), now.UTC()).
		Updates(map[string]any{"status": string(models.ApprovalExpired), "pending_key": nil})
	if res.Error != nil {
		return 0, translate(res.Error, "expire approvals")
	}
	return int(res.RowsAffected), nil
}
