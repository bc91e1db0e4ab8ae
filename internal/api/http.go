package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-remediate/internal/approval"
	"github.com/miradorstack/mirador-remediate/internal/auth"
	"github.com/miradorstack/mirador-remediate/internal/dispatch"
	"github.com/miradorstack/mirador-remediate/internal/ingest"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/patterns"
	"github.com/miradorstack/mirador-remediate/internal/services"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// ClusterTokenHeader carries the agent credential on ingestion and agent routes.
const ClusterTokenHeader = "X-Cluster-Token"

// Service is what the transports need from services.RemediationService.
type Service interface {
	AuthenticateAgent(ctx context.Context, token string) (models.Credential, error)
	Ingest(ctx context.Context, token string, records []ingest.Record) (ingest.Result, error)
	Analyze(ctx context.Context, clusterID string, force bool) (services.AnalysisResult, error)
	Remediate(ctx context.Context, issueID string) (services.Action, error)
	ListClusters(ctx context.Context) ([]models.Cluster, error)
	GetPolicy(ctx context.Context, clusterID string) (models.Policy, error)
	UpdatePolicy(ctx context.Context, clusterID string, update services.PolicyUpdate, actor string) (models.Policy, error)
	ListIssues(ctx context.Context, clusterID string, statuses []models.IssueStatus, limit int) ([]models.Issue, error)
	IssuePatterns(ctx context.Context, clusterID string, window time.Duration, minOccurrences, limit int) ([]patterns.Pattern, error)
	GetIssue(ctx context.Context, id string) (models.Issue, error)
	TransitionIssue(ctx context.Context, id string, to models.IssueStatus, actor string) (models.Issue, error)
	ListCommands(ctx context.Context, filter store.CommandFilter) ([]models.RemediationCommand, error)
	GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]models.ApprovalRequest, error)
	RespondApproval(ctx context.Context, in approval.RespondInput) (models.ApprovalRequest, error)
	FetchCommands(ctx context.Context, token string, limit int) ([]models.RemediationCommand, error)
	ReportResult(ctx context.Context, token, commandID string, report dispatch.Report) (models.RemediationCommand, error)
	SweepRetries(ctx context.Context) (dispatch.SweepResult, error)
	SweepApprovals(ctx context.Context) (approval.SweepResult, error)
}

// HTTPOptions tunes the HTTP surface.
type HTTPOptions struct {
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type httpHandler struct {
	svc    Service
	jwt    *auth.JWTManager
	logger *slog.Logger
}

// NewHTTPHandler builds the gin router serving ingestion, agent and operator routes.
func NewHTTPHandler(svc Service, jwt *auth.JWTManager, opts HTTPOptions) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &httpHandler{svc: svc, jwt: jwt, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger(), limitBody(opts.MaxBodyBytes))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.POST("/telemetry", h.agentAuth(), h.ingest)

	agent := v1.Group("/agent", h.agentAuth())
	agent.GET("/commands", h.fetchCommands)
	agent.POST("/commands/:id/result", h.reportResult)

	ops := v1.Group("", h.operatorAuth())
	ops.POST("/analysis", h.analyze)
	ops.GET("/clusters", h.listClusters)
	ops.GET("/clusters/:id/policy", h.getPolicy)
	ops.PUT("/clusters/:id/policy", h.putPolicy)
	ops.GET("/clusters/:id/issues", h.listIssues)
	ops.GET("/clusters/:id/patterns", h.listPatterns)
	ops.GET("/clusters/:id/commands", h.listCommands)
	ops.GET("/clusters/:id/approvals", h.listApprovals)
	ops.PATCH("/issues/:id", h.patchIssue)
	ops.POST("/issues/:id/remediate", h.remediate)
	ops.GET("/approvals/:id", h.getApproval)
	ops.POST("/approvals/respond", h.respond)
	ops.POST("/sweeps/retries", h.sweepRetries)
	ops.POST("/sweeps/approvals", h.sweepApprovals)
	return router
}

const claimsKey = "operator_claims"

// agentAuth rejects requests without a valid cluster credential before their body is read.
func (h *httpHandler) agentAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := h.svc.AuthenticateAgent(c.Request.Context(), c.GetHeader(ClusterTokenHeader)); err != nil {
			abortWithError(c, h.logger, err)
			return
		}
		c.Next()
	}
}

func (h *httpHandler) operatorAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			abortWithError(c, h.logger, utils.Unauthorized("api.operatorAuth", "missing bearer token"))
			return
		}
		if h.jwt == nil {
			abortWithError(c, h.logger, utils.Unauthorized("api.operatorAuth", "operator authentication is not configured"))
			return
		}
		claims, err := h.jwt.Validate(token)
		if err != nil {
			abortWithError(c, h.logger, utils.NewKindError(utils.KindAuthorization, "api.operatorAuth", "invalid operator token", err))
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func operator(c *gin.Context) *auth.OperatorClaims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*auth.OperatorClaims); ok {
			return claims
		}
	}
	return &auth.OperatorClaims{}
}

// authorize stops the chain unless the operator's scope covers clusterID.
func (h *httpHandler) authorize(c *gin.Context, clusterID string) bool {
	if operator(c).Allows(clusterID) {
		return true
	}
	abortWithError(c, h.logger, utils.Forbidden("api.authorize", "token is not scoped to cluster "+clusterID))
	return false
}

func (h *httpHandler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

func limitBody(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		}
		c.Next()
	}
}

// bind decodes the JSON body into dst, writing the error response itself on failure.
func (h *httpHandler) bind(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
			"kind":  string(utils.KindValidation),
		})
		return false
	}
	abortWithError(c, h.logger, utils.NewKindError(utils.KindValidation, "api.bind", "malformed request body: "+err.Error(), nil))
	return false
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, utils.Validation("api.queryLimit", "limit must be a non-negative integer")
	}
	return limit, nil
}

type telemetryRequest struct {
	Records []ingest.Record `json:"records"`
}

func (h *httpHandler) ingest(c *gin.Context) {
	var req telemetryRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Ingest(c.Request.Context(), c.GetHeader(ClusterTokenHeader), req.Records)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *httpHandler) fetchCommands(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	cmds, err := h.svc.FetchCommands(c.Request.Context(), c.GetHeader(ClusterTokenHeader), limit)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": nonNil(cmds)})
}

type resultRequest struct {
	Status       string `json:"status" binding:"required,oneof=completed failed"`
	Result       string `json:"result"`
	ErrorMessage string `json:"error_message"`
}

func (h *httpHandler) reportResult(c *gin.Context) {
	var req resultRequest
	if !h.bind(c, &req) {
		return
	}
	cmd, err := h.svc.ReportResult(c.Request.Context(), c.GetHeader(ClusterTokenHeader), c.Param("id"), dispatch.Report{
		Status:       models.CommandStatus(req.Status),
		Result:       req.Result,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

type analysisRequest struct {
	ClusterID string `json:"cluster_id" binding:"required"`
	Force     bool   `json:"force"`
}

func (h *httpHandler) analyze(c *gin.Context) {
	var req analysisRequest
	if !h.bind(c, &req) || !h.authorize(c, req.ClusterID) {
		return
	}
	res, err := h.svc.Analyze(c.Request.Context(), req.ClusterID, req.Force)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *httpHandler) listClusters(c *gin.Context) {
	clusters, err := h.svc.ListClusters(c.Request.Context())
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	claims := operator(c)
	visible := make([]models.Cluster, 0, len(clusters))
	for _, cluster := range clusters {
		if claims.Allows(cluster.ID) {
			visible = append(visible, cluster)
		}
	}
	c.JSON(http.StatusOK, gin.H{"clusters": visible})
}

// policyView renders durations in Go duration syntax, matching what PUT accepts.
type policyView struct {
	ClusterID         string          `json:"cluster_id"`
	Enabled           bool            `json:"enabled"`
	CategoryAutoApply map[string]bool `json:"category_auto_apply"`
	SeverityThreshold models.Severity `json:"severity_threshold"`
	RequireApproval   bool            `json:"require_approval"`
	ApprovalTimeout   string          `json:"approval_timeout"`
	ScanInterval      string          `json:"scan_interval"`
	UpdatedAt         string          `json:"updated_at,omitempty"`
	UpdatedBy         string          `json:"updated_by,omitempty"`
}

func toPolicyView(p models.Policy) policyView {
	categories := p.CategoryAutoApply
	if categories == nil {
		categories = map[string]bool{}
	}
	return policyView{
		ClusterID:         p.ClusterID,
		Enabled:           p.Enabled,
		CategoryAutoApply: categories,
		SeverityThreshold: p.SeverityThreshold,
		RequireApproval:   p.RequireApproval,
		ApprovalTimeout:   p.ApprovalTimeout.String(),
		ScanInterval:      p.ScanInterval.String(),
		UpdatedAt:         utils.FormatTimestamp(p.UpdatedAt),
		UpdatedBy:         p.UpdatedBy,
	}
}

func (h *httpHandler) getPolicy(c *gin.Context) {
	clusterID := c.Param("id")
	if !h.authorize(c, clusterID) {
		return
	}
	pol, err := h.svc.GetPolicy(c.Request.Context(), clusterID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toPolicyView(pol))
}

func (h *httpHandler) putPolicy(c *gin.Context) {
	clusterID := c.Param("id")
	if !h.authorize(c, clusterID) {
		return
	}
	var update services.PolicyUpdate
	if !h.bind(c, &update) {
		return
	}
	pol, err := h.svc.UpdatePolicy(c.Request.Context(), clusterID, update, operator(c).Subject)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toPolicyView(pol))
}

func (h *httpHandler) listIssues(c *gin.Context) {
	clusterID := c.Param("id")
	if !h.authorize(c, clusterID) {
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	var statuses []models.IssueStatus
	if raw := c.Query("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			statuses = append(statuses, models.IssueStatus(strings.TrimSpace(st)))
		}
	}
	issues, err := h.svc.ListIssues(c.Request.Context(), clusterID, statuses, limit)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": nonNil(issues)})
}

func (h *httpHandler) listPatterns(c *gin.Context) {
	const op = "api.listPatterns"
	clusterID := c.Param("id")
	if !h.authorize(c, clusterID) {
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	var window time.Duration
	if raw := c.Query("window"); raw != "" {
		if window, err = time.ParseDuration(raw); err != nil {
			abortWithError(c, h.logger, utils.Validation(op, "window must be a duration such as 168h"))
			return
		}
	}
	minOccurrences := 0
	if raw := c.Query("min_occurrences"); raw != "" {
		if minOccurrences, err = strconv.Atoi(raw); err != nil || minOccurrences < 1 {
			abortWithError(c, h.logger, utils.Validation(op, "min_occurrences must be a positive integer"))
			return
		}
	}
	found, err := h.svc.IssuePatterns(c.Request.Context(), clusterID, window, minOccurrences, limit)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": nonNil(found)})
}

type issuePatch struct {
	Status string `json:"status" binding:"required"`
}

func (h *httpHandler) patchIssue(c *gin.Context) {
	var req issuePatch
	if !h.bind(c, &req) {
		return
	}
	issue, ok := h.loadIssue(c)
	if !ok {
		return
	}
	updated, err := h.svc.TransitionIssue(c.Request.Context(), issue.ID, models.IssueStatus(req.Status), operator(c).Subject)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) remediate(c *gin.Context) {
	issue, ok := h.loadIssue(c)
	if !ok {
		return
	}
	act, err := h.svc.Remediate(c.Request.Context(), issue.ID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, act)
}

func (h *httpHandler) loadIssue(c *gin.Context) (models.Issue, bool) {
	issue, err := h.svc.GetIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, h.logger, err)
		return models.Issue{}, false
	}
	return issue, h.authorize(c, issue.ClusterID)
}

func (h *httpHandler) listCommands(c *gin.Context) {
	clusterID := c.Param("id")
	if !h.authorize(c, clusterID) {
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	cmds, err := h.svc.ListCommands(c.Request.Context(), store.CommandFilter{
		ClusterID: clusterID,
		IssueID:   c.Query("issue_id"),
		Status:    models.CommandStatus(c.Query("status")),
		Limit:     limit,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": nonNil(cmds)})
}

func (h *httpHandler) listApprovals(c *gin.Context) {
	clusterID := c.Param("id")
	if !h.authorize(c, clusterID) {
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	reqs, err := h.svc.ListApprovals(c.Request.Context(), store.ApprovalFilter{
		ClusterID: clusterID,
		IssueID:   c.Query("issue_id"),
		Status:    models.ApprovalStatus(c.Query("status")),
		Limit:     limit,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": nonNil(reqs)})
}

func (h *httpHandler) getApproval(c *gin.Context) {
	req, err := h.svc.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	if !h.authorize(c, req.ClusterID) {
		return
	}
	c.JSON(http.StatusOK, req)
}

type respondRequest struct {
	ApprovalID string `json:"approval_id" binding:"required"`
	Decision   string `json:"decision" binding:"required,oneof=approve reject"`
	Channel    string `json:"responder_channel" binding:"required"`
}

func (h *httpHandler) respond(c *gin.Context) {
	var body respondRequest
	if !h.bind(c, &body) {
		return
	}
	req, err := h.svc.GetApproval(c.Request.Context(), body.ApprovalID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	if !h.authorize(c, req.ClusterID) {
		return
	}
	updated, err := h.svc.RespondApproval(c.Request.Context(), approval.RespondInput{
		ID:        body.ApprovalID,
		Decision:  models.Decision(body.Decision),
		Channel:   models.ResponseChannel(strings.ToLower(body.Channel)),
		Responder: operator(c).Subject,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// requireGlobal stops the chain unless the operator may act on every cluster.
func (h *httpHandler) requireGlobal(c *gin.Context) bool {
	return h.authorize(c, auth.AllClusters)
}

func (h *httpHandler) sweepRetries(c *gin.Context) {
	if !h.requireGlobal(c) {
		return
	}
	res, err := h.svc.SweepRetries(c.Request.Context())
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *httpHandler) sweepApprovals(c *gin.Context) {
	if !h.requireGlobal(c) {
		return
	}
	res, err := h.svc.SweepApprovals(c.Request.Context())
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
