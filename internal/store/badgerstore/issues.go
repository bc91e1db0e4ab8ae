package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/store"
)

func issueKey(id string) string { return "issue/" + id }
func issueIndexKey(clusterID, id string) string { return "issuec/" + clusterID + "/" + id }

func (s *Store) InsertIssue(ctx context.Context, issue models.Issue) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, issueKey(issue.ID))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("issue %s: %w", issue.ID, store.ErrConflict)
		}
		if err := setJSON(txn, issueKey(issue.ID), issue); err != nil {
			return err
		}
		return txn.Set([]byte(issueIndexKey(issue.ClusterID, issue.ID)), nil)
	})
}

func (s *Store) GetIssue(ctx context.Context, id string) (models.Issue, error) {
	var issue models.Issue
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, issueKey(id), &issue)
	})
	return issue, err
}

func (s *Store) ListIssues(ctx context.Context, filter store.IssueFilter) ([]models.Issue, error) {
	var issues []models.Issue
	keep := func(issue models.Issue) {
		if len(filter.Statuses) > 0 && !store.StatusIn(issue.Status, filter.Statuses) {
			return
		}
		if !filter.Since.IsZero() && issue.DetectedAt.Before(filter.Since) {
			return
		}
		issues = append(issues, issue)
	}

	err := s.view(ctx, func(txn *badger.Txn) error {
		issues = nil
		if filter.ClusterID == "" {
			return scanJSON(txn, "issue/", func(val []byte) error {
				var issue models.Issue
				if err := json.Unmarshal(val, &issue); err != nil {
					return err
				}
				keep(issue)
				return nil
			})
		}
		for _, id := range indexedIDs(txn, "issuec/"+filter.ClusterID+"/") {
			var issue models.Issue
			if err := getJSON(txn, issueKey(id), &issue); err != nil {
				return err
			}
			keep(issue)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].DetectedAt.After(issues[j].DetectedAt) })
	return limitSlice(issues, filter.Limit), nil
}

func (s *Store) TransitionIssue(ctx context.Context, id string, from []models.IssueStatus, to models.IssueStatus, at time.Time) (models.Issue, error) {
	var issue models.Issue
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, issueKey(id), &issue); err != nil {
			return err
		}
		if !store.StatusIn(issue.Status, from) {
			return fmt.Errorf("issue %s is %s: %w", id, issue.Status, store.ErrConflict)
		}
		issue.Status = to
		issue.UpdatedAt = at.UTC()
		return setJSON(txn, issueKey(id), issue)
	})
	return issue, err
}
