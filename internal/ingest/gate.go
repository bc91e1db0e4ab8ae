// Package ingest admits telemetry batches from cluster agents.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/ratelimit"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Authenticator resolves a credential token.
type Authenticator interface {
	Verify(ctx context.Context, token string) (models.Credential, error)
}

// Record is one telemetry sample as submitted by an agent.
type Record struct {
	Kind        string          `json:"kind" validate:"required,max=32"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
	CollectedAt string          `json:"collected_at,omitempty"`
}

// Rejection explains why one record of a batch was refused.
type Rejection struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Result summarises a batch.
type Result struct {
	Accepted        int         `json:"accepted"`
	Rejected        int         `json:"rejected"`
	RejectedDetails []Rejection `json:"rejected_details,omitempty"`
}

// Options tunes the gate.
type Options struct {
	MaxRecords   int
	MaxClockSkew time.Duration
	Caps         map[string]int
	Clock        utils.Clock
	Logger       *slog.Logger
}

// Gate validates, rate limits and persists telemetry batches.
type Gate struct {
	auth     Authenticator
	limiter  ratelimit.Limiter
	clusters store.ClusterStore
	sink     store.TelemetryStore
	validate *validator.Validate

	maxRecords int
	skew       time.Duration
	caps       map[string]int
	clock      utils.Clock
	logger     *slog.Logger
}

// NewGate constructs a Gate.
func NewGate(auth Authenticator, limiter ratelimit.Limiter, clusters store.ClusterStore, sink store.TelemetryStore, opts Options) *Gate {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 500
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = 5 * time.Minute
	}
	if opts.Caps == nil {
		opts.Caps = DefaultCaps()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		auth:       auth,
		limiter:    limiter,
		clusters:   clusters,
		sink:       sink,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		maxRecords: opts.MaxRecords,
		skew:       opts.MaxClockSkew,
		caps:       opts.Caps,
		clock:      opts.Clock.OrSystem(),
		logger:     logger,
	}
}

// Ingest admits a batch for the cluster bound to token. Whole-batch failures are returned
// as errors; per-record problems are reported in the Result.
func (g *Gate) Ingest(ctx context.Context, token string, records []Record) (Result, error) {
	const op = "ingest.Ingest"

	cred, err := g.auth.Verify(ctx, token)
	if err != nil {
		metrics.IngestRejected("unauthorized")
		return Result{}, err
	}

	if err := g.admit(ctx, cred); err != nil {
		metrics.IngestRejected("rate_limited")
		return Result{}, err
	}

	if len(records) == 0 {
		metrics.IngestRejected("empty")
		return Result{}, utils.Validation(op, "records must not be empty")
	}
	if len(records) > g.maxRecords {
		metrics.IngestRejected("too_many_records")
		return Result{}, utils.Validation(op, fmt.Sprintf("batch has %d records, limit is %d", len(records), g.maxRecords))
	}

	now := g.clock()
	result := Result{}
	accepted := make([]models.TelemetryRecord, 0, len(records))
	for i, rec := range records {
		stored, reason := g.check(rec, now)
		if reason != "" {
			result.RejectedDetails = append(result.RejectedDetails, Rejection{
				Index:  i,
				Kind:   rec.Kind,
				Reason: reason,
			})
			continue
		}
		stored.ID = uuid.NewString()
		stored.ClusterID = cred.ClusterID
		stored.ReceivedAt = now
		accepted = append(accepted, stored)
	}

	if len(accepted) > 0 {
		if err := g.sink.AppendTelemetry(ctx, accepted); err != nil {
			return Result{}, utils.Transient(op, "persist telemetry", err)
		}
	}
	result.Accepted = len(accepted)
	result.Rejected = len(result.RejectedDetails)
	metrics.ObserveIngest(result.Accepted, result.Rejected)

	g.touch(ctx, cred, now)

	if result.Rejected > 0 {
		g.logger.Debug("telemetry batch partially rejected",
			slog.String("cluster_id", cred.ClusterID),
			slog.Int("accepted", result.Accepted),
			slog.Int("rejected", result.Rejected),
		)
	}
	return result, nil
}

// admit applies the per-credential rate limit. A limiter backend failure admits the
// request: the limit bounds load, it does not protect correctness.
func (g *Gate) admit(ctx context.Context, cred models.Credential) error {
	decision, err := g.limiter.Allow(ctx, cred.TokenHash)
	if err != nil {
		g.logger.Warn("rate limiter unavailable, admitting request",
			slog.String("cluster_id", cred.ClusterID),
			slog.Any("error", err),
		)
		return nil
	}
	if decision.Allowed {
		return nil
	}
	appErr := utils.NewKindError(utils.KindRateLimited, "ingest.Ingest",
		fmt.Sprintf("rate limit of %d requests per %s exceeded", decision.Limit, decision.Window), nil)
	appErr.RetryAfter = decision.RetryAfter
	appErr.Details = map[string]any{
		"limit":               decision.Limit,
		"window_seconds":      int(decision.Window.Seconds()),
		"retry_after_seconds": retryAfterSeconds(decision.RetryAfter),
	}
	return appErr
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// check validates one record and returns the stored form or a rejection reason.
func (g *Gate) check(rec Record, now time.Time) (models.TelemetryRecord, string) {
	if err := g.validate.Struct(rec); err != nil {
		return models.TelemetryRecord{}, describeValidation(err)
	}

	kind := strings.ToLower(strings.TrimSpace(rec.Kind))
	limit, known := g.caps[kind]
	if !known {
		return models.TelemetryRecord{}, fmt.Sprintf("unknown kind %q", rec.Kind)
	}

	payload := bytes.TrimSpace(rec.Payload)
	if len(payload) == 0 || (payload[0] != '{' && payload[0] != '[') || !json.Valid(payload) {
		return models.TelemetryRecord{}, fmt.Sprintf("payload for kind %s must be a JSON object or array", kind)
	}
	if len(payload) > limit {
		return models.TelemetryRecord{}, fmt.Sprintf("payload of %d bytes exceeds the %d byte limit for kind %s", len(payload), limit, kind)
	}

	collected := now
	if rec.CollectedAt != "" {
		ts, err := utils.ParseRFC3339(rec.CollectedAt)
		if err != nil {
			return models.TelemetryRecord{}, fmt.Sprintf("collected_at for kind %s is not RFC 3339", kind)
		}
		if ts.After(now.Add(g.skew)) {
			return models.TelemetryRecord{}, fmt.Sprintf("collected_at for kind %s is more than %s in the future", kind, g.skew)
		}
		collected = ts
	}

	return models.TelemetryRecord{
		Kind:        kind,
		Payload:     json.RawMessage(append([]byte(nil), payload...)),
		CollectedAt: collected,
	}, ""
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s is longer than %s characters", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

// touch records liveness. Failures are logged; the batch is already persisted.
func (g *Gate) touch(ctx context.Context, cred models.Credential, now time.Time) {
	if err := g.clusters.TouchCredential(ctx, cred.TokenHash, now); err != nil {
		g.logger.Warn("touch credential failed", slog.String("cluster_id", cred.ClusterID), slog.Any("error", err))
	}
	if err := g.clusters.TouchCluster(ctx, cred.ClusterID, now); err != nil {
		g.logger.Warn("touch cluster failed", slog.String("cluster_id", cred.ClusterID), slog.Any("error", err))
	}
}
