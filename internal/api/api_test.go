package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/miradorstack/mirador-remediate/internal/auth"
	"github.com/miradorstack/mirador-remediate/internal/config"
	"github.com/miradorstack/mirador-remediate/internal/detect"
	"github.com/miradorstack/mirador-remediate/internal/dispatch"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/services"
	"github.com/miradorstack/mirador-remediate/internal/store/badgerstore"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	svc     *services.RemediationService
	handler http.Handler
	jwt     *auth.JWTManager
	tokens  map[string]string
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	candidates := []detect.Candidate{{
		Kind:        detect.KindPodCrashLoop,
		Severity:    models.SeverityHigh,
		Resource:    models.Resource{Kind: "Pod", Namespace: "shop", Name: "api-1"},
		Description: "api-1 is crash looping",
	}}
	svc, err := services.Build(cfg, services.Infra{
		Store: s,
		Classifier: detect.ClassifierFunc(func(context.Context, detect.Input) ([]detect.Candidate, error) {
			return candidates, nil
		}),
		Logger: utils.DiscardLogger(),
	})
	require.NoError(t, err)

	env := &testEnv{svc: svc, tokens: map[string]string{}}
	for _, id := range []string{"c1", "c2"} {
		_, token, err := svc.RegisterCluster(context.Background(), id, id)
		require.NoError(t, err)
		env.tokens[id] = token
	}
	env.jwt, err = auth.NewJWTManager("test-secret", cfg.Auth.Issuer, time.Hour)
	require.NoError(t, err)
	env.handler = NewHTTPHandler(svc, env.jwt, HTTPOptions{MaxBodyBytes: cfg.Ingest.MaxBodyBytes, Logger: utils.DiscardLogger()})
	return env
}

func (e *testEnv) operatorToken(t *testing.T, clusters ...string) string {
	t.Helper()
	token, err := e.jwt.Issue("alice", clusters)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func telemetryBody() map[string]any {
	return map[string]any{"records": []map[string]any{
		{"kind": "log", "payload": []map[string]any{{"level": "error", "message": "boom", "namespace": "shop", "pod": "api-1"}}},
	}}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestTelemetryIngestion(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/telemetry", telemetryBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/telemetry", telemetryBody(), map[string]string{ClusterTokenHeader: env.tokens["c1"]})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode(t, w)["accepted"])

	w = env.do(t, http.MethodPost, "/api/v1/telemetry", `{"records":[]}`, map[string]string{ClusterTokenHeader: env.tokens["c1"]})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/telemetry", `{"records":`, map[string]string{ClusterTokenHeader: env.tokens["c1"]})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTelemetryCredentialCheckedBeforeBody(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/telemetry", `{"records":`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/telemetry", `{"records":`, map[string]string{ClusterTokenHeader: "not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/agent/commands/x/result", `{"status":`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTelemetryBodyLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Ingest.MaxBodyBytes = 64 })
	big := `{"records":[{"kind":"log","payload":"` + strings.Repeat("x", 256) + `"}]}`
	w := env.do(t, http.MethodPost, "/api/v1/telemetry", big, map[string]string{ClusterTokenHeader: env.tokens["c1"]})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestTelemetryRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.Limit = 1
		cfg.RateLimit.Window = time.Minute
	})
	headers := map[string]string{ClusterTokenHeader: env.tokens["c1"]}

	w := env.do(t, http.MethodPost, "/api/v1/telemetry", telemetryBody(), headers)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/telemetry", telemetryBody(), headers)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	body := decode(t, w)
	assert.EqualValues(t, 1, body["limit"])
	assert.EqualValues(t, 60, body["window_seconds"])
	assert.Equal(t, true, body["retryable"])

	// another cluster has its own budget
	w = env.do(t, http.MethodPost, "/api/v1/telemetry", telemetryBody(), map[string]string{ClusterTokenHeader: env.tokens["c2"]})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOperatorAuthAndScope(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/clusters/c1/policy", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/clusters/c1/policy", nil, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/clusters/c1/policy", nil, bearer(env.operatorToken(t, "c2")))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/clusters/c1/policy", nil, bearer(env.operatorToken(t, "c1")))
	require.Equal(t, http.StatusOK, w.Code)
	pol := decode(t, w)
	assert.Equal(t, false, pol["enabled"])
	assert.Equal(t, "high", pol["severity_threshold"])
	assert.Equal(t, "15m0s", pol["approval_timeout"])

	w = env.do(t, http.MethodGet, "/api/v1/clusters", nil, bearer(env.operatorToken(t, "c1")))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["clusters"], 1)

	w = env.do(t, http.MethodPost, "/api/v1/sweeps/retries", nil, bearer(env.operatorToken(t, "c1")))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/sweeps/retries", nil, bearer(env.operatorToken(t, auth.AllClusters)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "failed_to_requeue")

	w = env.do(t, http.MethodPost, "/api/v1/sweeps/approvals", nil, bearer(env.operatorToken(t, auth.AllClusters)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "redriven")
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	ops := bearer(env.operatorToken(t, "c1"))
	agent := map[string]string{ClusterTokenHeader: env.tokens["c1"]}

	w := env.do(t, http.MethodPut, "/api/v1/clusters/c1/policy", map[string]any{
		"enabled":             true,
		"category_auto_apply": map[string]bool{"workload": true},
		"severity_threshold":  "medium",
		"require_approval":    true,
	}, ops)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "alice", decode(t, w)["updated_by"])

	w = env.do(t, http.MethodPut, "/api/v1/clusters/c1/policy", map[string]any{"severity_threshold": "urgent"}, ops)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/analysis", map[string]any{"cluster_id": "c1", "force": true}, ops)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var analysis services.AnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &analysis))
	require.Equal(t, 1, analysis.IssuesFound)
	require.Len(t, analysis.Actions, 1)
	approvalID := analysis.Actions[0].ApprovalID
	require.NotEmpty(t, approvalID)

	w = env.do(t, http.MethodGet, "/api/v1/agent/commands", nil, agent)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["commands"], "nothing to run before approval")

	w = env.do(t, http.MethodGet, "/api/v1/approvals/"+approvalID, nil, bearer(env.operatorToken(t, "c2")))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/clusters/c1/approvals?status=pending", nil, ops)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["approvals"], 1)

	respond := map[string]any{"approval_id": approvalID, "decision": "approve", "responder_channel": "web"}
	w = env.do(t, http.MethodPost, "/api/v1/approvals/respond", respond, ops)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "executed", decode(t, w)["status"])

	w = env.do(t, http.MethodPost, "/api/v1/approvals/respond", map[string]any{"approval_id": approvalID, "decision": "maybe", "responder_channel": "web"}, ops)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/agent/commands", nil, agent)
	require.Equal(t, http.StatusOK, w.Code)
	var fetched struct {
		Commands []models.RemediationCommand `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	require.Len(t, fetched.Commands, 1)
	cmd := fetched.Commands[0]
	assert.Equal(t, "restart_pod", cmd.CommandType)

	w = env.do(t, http.MethodPost, "/api/v1/agent/commands/"+cmd.ID+"/result", map[string]any{"status": "completed", "result": "restarted"}, map[string]string{ClusterTokenHeader: env.tokens["c2"]})
	assert.Equal(t, http.StatusForbidden, w.Code, "agents only report their own cluster's commands")

	w = env.do(t, http.MethodPost, "/api/v1/agent/commands/"+cmd.ID+"/result", map[string]any{"status": "completed", "result": "restarted"}, agent)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode(t, w)["status"])

	w = env.do(t, http.MethodGet, "/api/v1/clusters/c1/issues?status=mitigated", nil, ops)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["issues"], 1)

	w = env.do(t, http.MethodGet, "/api/v1/clusters/c1/commands", nil, ops)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["commands"], 1)
}

func TestIssuePatch(t *testing.T) {
	env := newTestEnv(t, nil)
	ops := bearer(env.operatorToken(t, "c1"))

	res, err := env.svc.Analyze(context.Background(), "c1", true)
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	path := "/api/v1/issues/" + res.Issues[0].ID

	w := env.do(t, http.MethodPatch, path, map[string]any{"status": "resolved"}, ops)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPatch, path, map[string]any{"status": "investigating"}, bearer(env.operatorToken(t, "c2")))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPatch, path, map[string]any{"status": "investigating"}, ops)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "investigating", decode(t, w)["status"])

	w = env.do(t, http.MethodPatch, "/api/v1/issues/missing", map[string]any{"status": "investigating"}, ops)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIssuePatternsRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	ops := bearer(env.operatorToken(t, "c1"))

	_, err := env.svc.Analyze(context.Background(), "c1", true)
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/v1/clusters/c1/patterns?min_occurrences=1", nil, ops)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	found := decode(t, w)["patterns"].([]any)
	require.Len(t, found, 1)
	assert.Equal(t, "api-1", found[0].(map[string]any)["workload"])

	w = env.do(t, http.MethodGet, "/api/v1/clusters/c1/patterns", nil, ops)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["patterns"])

	w = env.do(t, http.MethodGet, "/api/v1/clusters/c1/patterns?window=week", nil, ops)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/clusters/c2/patterns", nil, ops)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAgentServiceOverGRPC(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.UpdatePolicy(context.Background(), "c1", services.PolicyUpdate{
		Enabled:           ptr(true),
		CategoryAutoApply: map[string]bool{"workload": true},
		RequireApproval:   ptr(false),
	}, "alice")
	require.NoError(t, err)
	_, err = env.svc.Analyze(context.Background(), "c1", true)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := NewServerOnListener(config.ServerConfig{}, lis, NewAgentService(env.svc, utils.DiscardLogger()))
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := NewAgentClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.FetchCommands(ctx, 5)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+env.tokens["c1"])
	cmds, err := client.FetchCommands(authed, 5)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CommandExecuting, cmds[0].Status)
	assert.Equal(t, map[string]string{"namespace": "shop", "pod": "api-1"}, cmds[0].Params)

	_, err = client.ReportResult(authed, cmds[0].ID, dispatch.Report{Status: "running"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	done, err := client.ReportResult(authed, cmds[0].ID, dispatch.Report{Status: models.CommandFailed, ErrorMessage: "image pull"})
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, done.Status)
	assert.Equal(t, "image pull", done.ErrorMessage)
	require.NotNil(t, done.NextRetryAt)

	_, err = client.ReportResult(authed, "missing", dispatch.Report{Status: models.CommandCompleted})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func ptr[T any](v T) *T { return &v }
