package sqlstore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

func (s *Store) CreateCluster(ctx context.Context, cluster models.Cluster) error {
	row := clusterFromModel(cluster)
	return translate(s.db.WithContext(ctx).Create(&row).Error, "create cluster "+cluster.ID)
}

func (s *Store) GetCluster(ctx context.Context, id string) (models.Cluster, error) {
	var row clusterRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return models.Cluster{}, translate(err, "get cluster "+id)
	}
	return row.toModel(), nil
}

func (s *Store) ListClusters(ctx context.Context) ([]models.Cluster, error) {
	var rows []clusterRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, translate(err, "list clusters")
	}
	clusters := make([]models.Cluster, 0, len(rows))
	for _, row := range rows {
		clusters = append(clusters, row.toModel())
	}
	return clusters, nil
}

func (s *Store) TouchCluster(ctx context.Context, id string, at time.Time) error {
	return s.touch(ctx, &clusterRow{}, "id = ?", id, at, "touch cluster "+id)
}

func (s *Store) PutCredential(ctx context.Context, cred models.Credential) error {
	row := credentialFromModel(cred)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"cluster_id", "active"}),
	}).Create(&row).Error
	return translate(err, "put credential")
}

func (s *Store) GetCredential(ctx context.Context, tokenHash string) (models.Credential, error) {
	var row credentialRow
	if err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).Take(&row).Error; err != nil {
		return models.Credential{}, translate(err, "get credential")
	}
	return row.toModel(), nil
}

func (s *Store) TouchCredential(ctx context.Context, tokenHash string, at time.Time) error {
	return s.touch(ctx, &credentialRow{}, "token_hash = ?", tokenHash, at, "touch credential")
}

// touch advances last_seen_at, never moving it backwards.
func (s *Store) touch(ctx context.Context, model any, where string, key string, at time.Time, what string) error {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(model).
		Where(where, key).
		Where("(last_seen_at IS NULL OR last_seen_at < ?)", at).
		Update("last_seen_at", at)
	if res.Error != nil {
		return translate(res.Error, what)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where(where, key).Count(&count).Error; err != nil {
		return translate(err, what)
	}
	if count == 0 {
		return translate(gorm.ErrRecordNotFound, what)
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, clusterID string) (models.Policy, error) {
	var row policyRow
	if err := s.db.WithContext(ctx).Where("cluster_id = ?", clusterID).Take(&row).Error; err != nil {
		return models.Policy{}, translate(err, "get policy "+clusterID)
	}
	return row.toModel(), nil
}

func (s *Store) PutPolicy(ctx context.Context, policy models.Policy) error {
	row := policyFromModel(policy)
	return translate(s.db.WithContext(ctx).Save(&row).Error, "put policy "+policy.ClusterID)
}
