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

func approvalKey(id string) string { return "approval/" + id }

func approvalIndexKey(clusterID, id string) string { return "approvalc/" + clusterID + "/" + id }

// approvalPendingKey holds the id of the single pending request for a cluster and issue.
func approvalPendingKey(clusterID, issueID string) string {
	return "approvalp/" + clusterID + "/" + issueID
}

func (s *Store) CreateApproval(ctx context.Context, req models.ApprovalRequest, now time.Time) (models.ApprovalRequest, bool, error) {
	var (
		stored  models.ApprovalRequest
		created bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		pendingKey := approvalPendingKey(req.ClusterID, req.IssueID)

		item, err := txn.Get([]byte(pendingKey))
		switch {
		case err == nil:
			var existingID []byte
			if existingID, err = item.ValueCopy(nil); err != nil {
				return err
			}
			var existing models.ApprovalRequest
			if err := getJSON(txn, approvalKey(string(existingID)), &existing); err != nil {
				return err
			}
			if existing.Status == models.ApprovalPending && !now.After(existing.ExpiresAt) {
				stored = existing
				return nil
			}
			if existing.Status == models.ApprovalPending {
				existing.Status = models.ApprovalExpired
				if err := setJSON(txn, approvalKey(existing.ID), existing); err != nil {
					return err
				}
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if ok, err := exists(txn, approvalKey(req.ID)); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("approval %s: %w", req.ID, store.ErrConflict)
		}
		if err := setJSON(txn, approvalKey(req.ID), req); err != nil {
			return err
		}
		if err := txn.Set([]byte(approvalIndexKey(req.ClusterID, req.ID)), nil); err != nil {
			return err
		}
		if req.Status == models.ApprovalPending {
			if err := txn.Set([]byte(pendingKey), []byte(req.ID)); err != nil {
				return err
			}
		}
		stored = req
		created = true
		return nil
	})
	return stored, created, err
}

func (s *Store) GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, approvalKey(id), &req)
	})
	return req, err
}

func (s *Store) ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]models.ApprovalRequest, error) {
	var reqs []models.ApprovalRequest
	keep := func(req models.ApprovalRequest) {
		if filter.IssueID != "" && req.IssueID != filter.IssueID {
			return
		}
		if filter.Status != "" && req.Status != filter.Status {
			return
		}
		reqs = append(reqs, req)
	}

	err := s.view(ctx, func(txn *badger.Txn) error {
		reqs = nil
		if filter.ClusterID == "" {
			return scanJSON(txn, "approval/", func(val []byte) error {
				var req models.ApprovalRequest
				if err := json.Unmarshal(val, &req); err != nil {
					return err
				}
				keep(req)
				return nil
			})
		}
		for _, id := range indexedIDs(txn, "approvalc/"+filter.ClusterID+"/") {
			var req models.ApprovalRequest
			if err := getJSON(txn, approvalKey(id), &req); err != nil {
				return err
			}
			keep(req)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.After(reqs[j].CreatedAt) })
	return limitSlice(reqs, filter.Limit), nil
}

func applyApprovalUpdate(req *models.ApprovalRequest, update store.ApprovalUpdate) {
	req.Status = update.Status
	if update.RespondedAt != nil {
		req.RespondedAt = update.RespondedAt
	}
	if update.Channel != "" {
		req.ResponderChannel = update.Channel
	}
	if update.Responder != "" {
		req.Responder = update.Responder
	}
	if update.CommandID != "" {
		req.CommandID = update.CommandID
	}
}

// releasePending drops the pending index when it still points at req.
func releasePending(txn *badger.Txn, req models.ApprovalRequest) error {
	key := approvalPendingKey(req.ClusterID, req.IssueID)
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if string(id) != req.ID {
		return nil
	}
	return txn.Delete([]byte(key))
}

func (s *Store) TransitionApproval(ctx context.Context, id string, from models.ApprovalStatus, update store.ApprovalUpdate) (models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, approvalKey(id), &req); err != nil {
			return err
		}
		if req.Status != from {
			return fmt.Errorf("approval %s is %s: %w", id, req.Status, store.ErrConflict)
		}
		applyApprovalUpdate(&req, update)
		if from == models.ApprovalPending && req.Status != models.ApprovalPending {
			if err := releasePending(txn, req); err != nil {
				return err
			}
		}
		return setJSON(txn, approvalKey(id), req)
	})
	return req, err
}

func (s *Store) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	var expired int
	err := s.update(ctx, func(txn *badger.Txn) error {
		expired = 0
		var stale []models.ApprovalRequest
		if err := scanJSON(txn, "approval/", func(val []byte) error {
			var req models.ApprovalRequest
			if err := json.Unmarshal(val, &req); err != nil {
				return err
			}
			if req.Status == models.ApprovalPending && now.After(req.ExpiresAt) {
				stale = append(stale, req)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, req := range stale {
			req.Status = models.ApprovalExpired
			if err := releasePending(txn, req); err != nil {
				return err
			}
			if err := setJSON(txn, approvalKey(req.ID), req); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	return expired, err
}
