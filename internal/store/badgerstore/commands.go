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
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

func commandKey(id string) string { return "command/" + id }

func commandIndexKey(clusterID, id string) string { return "commandc/" + clusterID + "/" + id }

func (s *Store) CreateCommand(ctx context.Context, cmd models.RemediationCommand) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, commandKey(cmd.ID))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("command %s: %w", cmd.ID, store.ErrConflict)
		}
		if err := setJSON(txn, commandKey(cmd.ID), cmd); err != nil {
			return err
		}
		return txn.Set([]byte(commandIndexKey(cmd.ClusterID, cmd.ID)), nil)
	})
}

func (s *Store) GetCommand(ctx context.Context, id string) (models.RemediationCommand, error) {
	var cmd models.RemediationCommand
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, commandKey(id), &cmd)
	})
	return cmd, err
}

// clusterCommands loads every command indexed under clusterID.
func clusterCommands(txn *badger.Txn, clusterID string) ([]models.RemediationCommand, error) {
	ids := indexedIDs(txn, "commandc/"+clusterID+"/")
	cmds := make([]models.RemediationCommand, 0, len(ids))
	for _, id := range ids {
		var cmd models.RemediationCommand
		if err := getJSON(txn, commandKey(id), &cmd); err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// allCommands scans every command and keeps those accepted by match.
func allCommands(txn *badger.Txn, match func(models.RemediationCommand) bool) ([]models.RemediationCommand, error) {
	var cmds []models.RemediationCommand
	err := scanJSON(txn, "command/", func(val []byte) error {
		var cmd models.RemediationCommand
		if err := json.Unmarshal(val, &cmd); err != nil {
			return err
		}
		if match(cmd) {
			cmds = append(cmds, cmd)
		}
		return nil
	})
	return cmds, err
}

func oldestFirst(cmds []models.RemediationCommand) {
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].CreatedAt.Equal(cmds[j].CreatedAt) {
			return cmds[i].ID < cmds[j].ID
		}
		return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
	})
}

func (s *Store) ListCommands(ctx context.Context, filter store.CommandFilter) ([]models.RemediationCommand, error) {
	match := func(cmd models.RemediationCommand) bool {
		if filter.ClusterID != "" && cmd.ClusterID != filter.ClusterID {
			return false
		}
		if filter.IssueID != "" && cmd.IssueID != filter.IssueID {
			return false
		}
		if filter.ApprovalID != "" && cmd.ApprovalID != filter.ApprovalID {
			return false
		}
		return filter.Status == "" || cmd.Status == filter.Status
	}

	var cmds []models.RemediationCommand
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		if filter.ClusterID == "" {
			cmds, err = allCommands(txn, match)
			return err
		}
		all, err := clusterCommands(txn, filter.ClusterID)
		if err != nil {
			return err
		}
		cmds = cmds[:0]
		for _, cmd := range all {
			if match(cmd) {
				cmds = append(cmds, cmd)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].CreatedAt.After(cmds[j].CreatedAt) })
	return limitSlice(cmds, filter.Limit), nil
}

func (s *Store) ClaimCommands(ctx context.Context, clusterID string, limit int, now time.Time) ([]models.RemediationCommand, error) {
	var claimed []models.RemediationCommand
	err := s.update(ctx, func(txn *badger.Txn) error {
		claimed = nil
		all, err := clusterCommands(txn, clusterID)
		if err != nil {
			return err
		}
		pending := all[:0]
		for _, cmd := range all {
			if cmd.Status == models.CommandPending {
				pending = append(pending, cmd)
			}
		}
		oldestFirst(pending)
		for _, cmd := range limitSlice(pending, limit) {
			cmd.Status = models.CommandExecuting
			cmd.ExecutedAt = utils.TimePtr(now)
			if err := setJSON(txn, commandKey(cmd.ID), cmd); err != nil {
				return err
			}
			claimed = append(claimed, cmd)
		}
		return nil
	})
	return claimed, err
}

func (s *Store) FinishCommand(ctx context.Context, id string, result store.CommandResult) (models.RemediationCommand, error) {
	var cmd models.RemediationCommand
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, commandKey(id), &cmd); err != nil {
			return err
		}
		if cmd.Status != models.CommandExecuting {
			return fmt.Errorf("command %s is %s: %w", id, cmd.Status, store.ErrConflict)
		}
		cmd.Status = result.Status
		cmd.Result = result.Result
		cmd.ErrorMessage = result.ErrorMessage
		cmd.NextRetryAt = result.NextRetryAt
		cmd.CompletedAt = utils.TimePtr(result.CompletedAt)
		return setJSON(txn, commandKey(id), cmd)
	})
	return cmd, err
}

func (s *Store) RetryableCommands(ctx context.Context, now time.Time, limit int) ([]models.RemediationCommand, error) {
	var cmds []models.RemediationCommand
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		cmds, err = allCommands(txn, func(cmd models.RemediationCommand) bool {
			return cmd.Retryable(now)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].NextRetryAt.Before(*cmds[j].NextRetryAt) })
	return limitSlice(cmds, limit), nil
}

func (s *Store) RearmCommand(ctx context.Context, id string, observedRetryCount int) (models.RemediationCommand, error) {
	var cmd models.RemediationCommand
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, commandKey(id), &cmd); err != nil {
			return err
		}
		if cmd.Status != models.CommandFailed || cmd.RetryCount != observedRetryCount || cmd.RetryCount >= cmd.MaxRetries {
			return fmt.Errorf("command %s is %s with %d/%d retries: %w",
				id, cmd.Status, cmd.RetryCount, cmd.MaxRetries, store.ErrConflict)
		}
		cmd.Status = models.CommandPending
		cmd.RetryCount++
		cmd.NextRetryAt = nil
		cmd.Result = ""
		cmd.ErrorMessage = ""
		cmd.ExecutedAt = nil
		cmd.CompletedAt = nil
		return setJSON(txn, commandKey(id), cmd)
	})
	return cmd, err
}

func (s *Store) StaleExecuting(ctx context.Context, before time.Time, limit int) ([]models.RemediationCommand, error) {
	var cmds []models.RemediationCommand
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		cmds, err = allCommands(txn, func(cmd models.RemediationCommand) bool {
			return cmd.Status == models.CommandExecuting && cmd.ExecutedAt != nil && cmd.ExecutedAt.Before(before)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	oldestFirst(cmds)
	return limitSlice(cmds, limit), nil
}
