package sqlstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

func (s *Store) AppendTelemetry(ctx context.Context, records []models.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]telemetryRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, telemetryFromModel(rec))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&rows, 100).Error
	})
	return translate(err, "append telemetry")
}

func (s *Store) ListTelemetry(ctx context.Context, clusterID string, since, until time.Time, limit int) ([]models.TelemetryRecord, error) {
	var rows []telemetryRow
	q := s.db.WithContext(ctx).
		Where("cluster_id = ? AND collected_at >= ? AND collected_at <= ?", clusterID, since.UTC(), until.UTC()).
		Order("collected_at ASC, id ASC")
	if err := applyLimit(q, limit).Find(&rows).Error; err != nil {
		return nil, translate(err, "list telemetry")
	}
	records := make([]models.TelemetryRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toModel())
	}
	return records, nil
}

func (s *Store) PruneTelemetry(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("collected_at < ?", before.UTC()).Delete(&telemetryRow{})
	if res.Error != nil {
		return 0, translate(res.Error, "prune telemetry")
	}
	return int(res.RowsAffected), nil
}
