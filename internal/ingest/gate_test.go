package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediate/internal/auth"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/ratelimit"
	"github.com/miradorstack/mirador-remediate/internal/store/badgerstore"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	gate  *Gate
	store *badgerstore.Store
	token string
}

func newFixture(t *testing.T, limiter ratelimit.Limiter) fixture {
	t.Helper()
	ctx := context.Background()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateCluster(ctx, models.Cluster{ID: "c1", Name: "prod", CreatedAt: now.Add(-time.Hour)}))
	token, err := auth.IssueCredential(ctx, s, "c1", func() time.Time { return now.Add(-time.Hour) })
	require.NoError(t, err)

	if limiter == nil {
		limiter = ratelimit.NewLocal(120, time.Minute)
	}
	gate := NewGate(auth.NewCredentialVerifier(s), limiter, s, s, Options{
		Clock:  func() time.Time { return now },
		Logger: utils.DiscardLogger(),
	})
	return fixture{gate: gate, store: s, token: token}
}

func payloadOfSize(n int) json.RawMessage {
	// {"v":"xxxx"} is 8 bytes of framing
	return json.RawMessage(fmt.Sprintf(`{"v":"%s"}`, strings.Repeat("x", n-8)))
}

func TestIngestPartialAcceptance(t *testing.T) {
	f := newFixture(t, nil)
	records := []Record{
		{Kind: "metric", Payload: json.RawMessage(`{"name":"cpu","value":0.4}`)},
		{Kind: "log", Payload: json.RawMessage(`{"msg":"hello"}`)},
		{Kind: "cpu", Payload: payloadOfSize(5000)},
		{Kind: "pods", Payload: json.RawMessage(`[{"name":"api-0"}]`)},
		{Kind: "event", Payload: json.RawMessage(`{"reason":"BackOff"}`)},
	}

	res, err := f.gate.Ingest(context.Background(), f.token, records)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	require.Len(t, res.RejectedDetails, 1)
	assert.Equal(t, 2, res.RejectedDetails[0].Index)
	assert.Equal(t, "cpu", res.RejectedDetails[0].Kind)
	assert.Contains(t, res.RejectedDetails[0].Reason, "cpu")

	stored, err := f.store.ListTelemetry(context.Background(), "c1", now.Add(-time.Minute), now, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 4)

	cluster, err := f.store.GetCluster(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, now, cluster.LastSeenAt)
}

func TestIngestRecordValidation(t *testing.T) {
	f := newFixture(t, nil)
	records := []Record{
		{Kind: "", Payload: json.RawMessage(`{}`)},
		{Kind: "gpu", Payload: json.RawMessage(`{}`)},
		{Kind: "metric", Payload: json.RawMessage(`"scalar"`)},
		{Kind: "metric", Payload: json.RawMessage(`{"broken":`)},
		{Kind: "metric", Payload: json.RawMessage(`{}`), CollectedAt: now.Add(time.Hour).Format(time.RFC3339)},
		{Kind: "metric", Payload: json.RawMessage(`{}`), CollectedAt: "yesterday"},
		{Kind: "METRIC", Payload: json.RawMessage(`{}`), CollectedAt: now.Add(-time.Minute).Format(time.RFC3339)},
	}

	res, err := f.gate.Ingest(context.Background(), f.token, records)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 6, res.Rejected)

	reasons := make([]string, 0, len(res.RejectedDetails))
	for _, r := range res.RejectedDetails {
		reasons = append(reasons, r.Reason)
	}
	assert.Contains(t, reasons[0], "kind is required")
	assert.Contains(t, reasons[1], "unknown kind")
	assert.Contains(t, reasons[2], "JSON object or array")
	assert.Contains(t, reasons[3], "JSON object or array")
	assert.Contains(t, reasons[4], "future")
	assert.Contains(t, reasons[5], "RFC 3339")

	stored, err := f.store.ListTelemetry(context.Background(), "c1", now.Add(-time.Hour), now, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "metric", stored[0].Kind)
	assert.Equal(t, now.Add(-time.Minute), stored[0].CollectedAt)
}

func TestIngestRejectsUnknownCredential(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.gate.Ingest(context.Background(), "mrt_nope", []Record{{Kind: "metric", Payload: json.RawMessage(`{}`)}})
	require.Error(t, err)
	assert.Equal(t, utils.KindAuthorization, utils.KindOf(err))
}

func TestIngestRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.NewLocal(2, time.Minute))
	batch := []Record{{Kind: "metric", Payload: json.RawMessage(`{}`)}}

	for i := 0; i < 2; i++ {
		_, err := f.gate.Ingest(context.Background(), f.token, batch)
		require.NoError(t, err)
	}
	_, err := f.gate.Ingest(context.Background(), f.token, batch)
	require.Error(t, err)

	appErr, ok := utils.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, utils.KindRateLimited, appErr.Kind)
	assert.True(t, appErr.Kind.Retryable())
	assert.Greater(t, appErr.RetryAfter, time.Duration(0))
	assert.Equal(t, 2, appErr.Details["limit"])
	assert.Equal(t, 60, appErr.Details["window_seconds"])
}

func TestIngestBatchCaps(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.gate.Ingest(context.Background(), f.token, nil)
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))

	big := make([]Record, 501)
	for i := range big {
		big[i] = Record{Kind: "metric", Payload: json.RawMessage(`{}`)}
	}
	_, err = f.gate.Ingest(context.Background(), f.token, big)
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))
}

func TestMergeCaps(t *testing.T) {
	caps := MergeCaps(map[string]int{"Metric": 10, "gpu": 100, "pods": 0})
	assert.Equal(t, 10, caps[KindMetric])
	assert.Equal(t, 100, caps["gpu"])
	_, ok := caps[KindPods]
	assert.False(t, ok)
	assert.Equal(t, 16<<10, caps[KindLog])
}
