package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/miradorstack/mirador-remediate/internal/utils"
)

const systemPrompt = `You are a Kubernetes reliability and security analyst.
You receive a JSON document with recent telemetry records of one cluster and the issues that are already open.
Report only new problems. Respond with a single JSON object and nothing else:
{"issues":[{"kind":"snake_case_kind","category":"workload|infrastructure|security|performance|reliability","severity":"low|medium|high|critical","resource":{"kind":"Pod|Node|Deployment|Service","namespace":"...","name":"...","node":"..."},"description":"one sentence","recommendation":"one sentence","evidence":["..."],"analysis":"short reasoning"}]}
Use {"issues":[]} when nothing is wrong.`

// OpenAIConfig configures the OpenAI-compatible classifier.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	// MaxRecords bounds how many telemetry records are sent per request, newest kept.
	MaxRecords int
	Logger     *slog.Logger
}

// OpenAIClassifier asks a chat completion model for issue candidates.
type OpenAIClassifier struct {
	client     *openai.Client
	model      string
	maxTokens  int
	maxRecords int
	logger     *slog.Logger
}

// NewOpenAIClassifier builds a classifier against the OpenAI API or any compatible endpoint.
func NewOpenAIClassifier(cfg OpenAIConfig) (*OpenAIClassifier, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai classifier: api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	maxRecords := cfg.MaxRecords
	if maxRecords <= 0 {
		maxRecords = 200
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClassifier{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		maxTokens:  cfg.MaxTokens,
		maxRecords: maxRecords,
		logger:     logger,
	}, nil
}

type promptRecord struct {
	Kind        string          `json:"kind"`
	CollectedAt string          `json:"collected_at"`
	Payload     json.RawMessage `json:"payload"`
}

type promptIssue struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Resource string `json:"resource"`
}

// Classify implements Classifier. Transport failures are returned; an unusable answer
// yields zero candidates.
func (o *OpenAIClassifier) Classify(ctx context.Context, in Input) ([]Candidate, error) {
	records := in.Telemetry
	if len(records) > o.maxRecords {
		records = records[len(records)-o.maxRecords:]
	}
	doc := struct {
		ClusterID string         `json:"cluster_id"`
		Now       string         `json:"now"`
		Telemetry []promptRecord `json:"telemetry"`
		Open      []promptIssue  `json:"open_issues"`
	}{
		ClusterID: in.ClusterID,
		Now:       utils.FormatTimestamp(in.Now),
		Telemetry: make([]promptRecord, 0, len(records)),
		Open:      make([]promptIssue, 0, len(in.ActiveIssues)),
	}
	for _, r := range records {
		doc.Telemetry = append(doc.Telemetry, promptRecord{Kind: r.Kind, CollectedAt: utils.FormatTimestamp(r.CollectedAt), Payload: r.Payload})
	}
	for _, issue := range in.ActiveIssues {
		doc.Open = append(doc.Open, promptIssue{Kind: issue.Kind, Severity: string(issue.Severity), Resource: issue.Resource.Identity()})
	}
	prompt, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal prompt: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(prompt)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	}
	if o.maxTokens > 0 {
		req.MaxCompletionTokens = o.maxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		o.logger.Warn("classifier returned no choices", slog.String("cluster_id", in.ClusterID))
		return nil, nil
	}

	candidates, dropped := DecodeCandidates([]byte(resp.Choices[0].Message.Content))
	if dropped > 0 {
		o.logger.Warn("classifier candidates dropped",
			slog.String("cluster_id", in.ClusterID),
			slog.Int("dropped", dropped),
		)
	}
	o.logger.Debug("classifier response",
		slog.String("cluster_id", in.ClusterID),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("candidates", len(candidates)),
	)
	return candidates, nil
}
