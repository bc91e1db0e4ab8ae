package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

const telemetryPrefix = "tel/"

// telemetry keys sort by collection time within a cluster.
func telemetryKey(rec models.TelemetryRecord) string {
	return fmt.Sprintf("%s%s/%020d/%s", telemetryPrefix, rec.ClusterID, rec.CollectedAt.UnixNano(), rec.ID)
}

func telemetrySeek(clusterID string, at time.Time) string {
	return fmt.Sprintf("%s%s/%020d", telemetryPrefix, clusterID, at.UnixNano())
}

// telemetryTimestamp extracts the collection time from a telemetry key.
func telemetryTimestamp(key string) (int64, bool) {
	parts := strings.Split(strings.TrimPrefix(key, telemetryPrefix), "/")
	if len(parts) != 3 {
		return 0, false
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	return ts, err == nil
}

func (s *Store) AppendTelemetry(ctx context.Context, records []models.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, rec := range records {
			if err := setJSON(txn, telemetryKey(rec), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListTelemetry(ctx context.Context, clusterID string, since, until time.Time, limit int) ([]models.TelemetryRecord, error) {
	var records []models.TelemetryRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		records = nil
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(telemetryPrefix + clusterID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		upper := until.UnixNano()
		for it.Seek([]byte(telemetrySeek(clusterID, since))); it.Valid(); it.Next() {
			ts, ok := telemetryTimestamp(string(it.Item().Key()))
			if !ok {
				continue
			}
			if ts > upper {
				break
			}
			var rec models.TelemetryRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
			if limit > 0 && len(records) >= limit {
				break
			}
		}
		return nil
	})
	return records, err
}

func (s *Store) PruneTelemetry(ctx context.Context, before time.Time) (int, error) {
	var stale []string
	cutoff := before.UnixNano()
	err := s.view(ctx, func(txn *badger.Txn) error {
		stale = nil
		for _, key := range scanKeys(txn, telemetryPrefix) {
			if ts, ok := telemetryTimestamp(key); ok && ts < cutoff {
				stale = append(stale, key)
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete([]byte(key)); err != nil {
			return 0, fmt.Errorf("prune telemetry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("prune telemetry: %w", err)
	}
	return len(stale), nil
}
