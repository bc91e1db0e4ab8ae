package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/store"
)

func clusterKey(id string) string { return "cluster/" + id }
func credentialKey(hash string) string { return "cred/" + hash }
func policyKey(clusterID string) string { return "policy/" + clusterID }

func (s *Store) CreateCluster(ctx context.Context, cluster models.Cluster) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, clusterKey(cluster.ID))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("cluster %s: %w", cluster.ID, store.ErrConflict)
		}
		return setJSON(txn, clusterKey(cluster.ID), cluster)
	})
}

func (s *Store) GetCluster(ctx context.Context, id string) (models.Cluster, error) {
	var cluster models.Cluster
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, clusterKey(id), &cluster)
	})
	return cluster, err
}

func (s *Store) ListClusters(ctx context.Context) ([]models.Cluster, error) {
	var clusters []models.Cluster
	err := s.view(ctx, func(txn *badger.Txn) error {
		clusters = nil
		return scanJSON(txn, "cluster/", func(val []byte) error {
			var c models.Cluster
			if err := json.Unmarshal(val, &c); err != nil {
				return err
			}
			clusters = append(clusters, c)
			return nil
		})
	})
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID < clusters[j].ID })
	return clusters, err
}

func (s *Store) TouchCluster(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var cluster models.Cluster
		if err := getJSON(txn, clusterKey(id), &cluster); err != nil {
			return err
		}
		if !at.After(cluster.LastSeenAt) {
			return nil
		}
		cluster.LastSeenAt = at.UTC()
		return setJSON(txn, clusterKey(id), cluster)
	})
}

func (s *Store) PutCredential(ctx context.Context, cred models.Credential) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, credentialKey(cred.TokenHash), cred)
	})
}

func (s *Store) GetCredential(ctx context.Context, tokenHash string) (models.Credential, error) {
	var cred models.Credential
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, credentialKey(tokenHash), &cred)
	})
	return cred, err
}

func (s *Store) TouchCredential(ctx context.Context, tokenHash string, at time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var cred models.Credential
		if err := getJSON(txn, credentialKey(tokenHash), &cred); err != nil {
			return err
		}
		if !at.After(cred.LastSeenAt) {
			return nil
		}
		cred.LastSeenAt = at.UTC()
		return setJSON(txn, credentialKey(tokenHash), cred)
	})
}

func (s *Store) GetPolicy(ctx context.Context, clusterID string) (models.Policy, error) {
	var policy models.Policy
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, policyKey(clusterID), &policy)
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.Policy{}, fmt.Errorf("policy %s: %w", clusterID, err)
	}
	return policy, err
}

func (s *Store) PutPolicy(ctx context.Context, policy models.Policy) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, policyKey(policy.ClusterID), policy)
	})
}
