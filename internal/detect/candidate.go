package detect

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

// Candidate is one issue proposed by a classifier, before deduplication.
type Candidate struct {
	Kind           string          `json:"kind" validate:"required,max=64"`
	Category       string          `json:"category,omitempty" validate:"omitempty,max=64"`
	Severity       models.Severity `json:"severity" validate:"required,oneof=low medium high critical"`
	Resource       models.Resource `json:"resource"`
	Description    string          `json:"description" validate:"required,max=1024"`
	Recommendation string          `json:"recommendation,omitempty" validate:"max=4096"`
	Evidence       []string        `json:"evidence,omitempty" validate:"max=50"`
	Analysis       string          `json:"analysis,omitempty" validate:"max=8192"`
}

// Input is what a classifier sees for one cluster.
type Input struct {
	ClusterID    string
	Telemetry    []models.TelemetryRecord
	ActiveIssues []models.Issue
	Now          time.Time
}

// Classifier turns a telemetry window into issue candidates.
type Classifier interface {
	Classify(ctx context.Context, in Input) ([]Candidate, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, in Input) ([]Candidate, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, in Input) ([]Candidate, error) {
	return f(ctx, in)
}

var candidateValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks required fields and value ranges.
func (c Candidate) Validate() error {
	if err := candidateValidator.Struct(c); err != nil {
		return err
	}
	if c.Resource.Name == "" && c.Resource.Node == "" {
		return errMissingResource
	}
	return nil
}

type decodeError string

func (e decodeError) Error() string { return string(e) }

const errMissingResource = decodeError("resource needs a name or node")

// DecodeCandidates strictly decodes a classifier response of the form {"issues": [...]}.
// Entries that fail to decode or validate are dropped and counted; a malformed envelope
// yields no candidates at all.
func DecodeCandidates(raw []byte) (candidates []Candidate, dropped int) {
	raw = stripFence(raw)

	var envelope struct {
		Issues []json.RawMessage `json:"issues"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, 0
	}

	candidates = make([]Candidate, 0, len(envelope.Issues))
	for _, item := range envelope.Issues {
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.DisallowUnknownFields()

		var c Candidate
		if err := dec.Decode(&c); err != nil {
			dropped++
			continue
		}
		c = c.normalise()
		if err := c.Validate(); err != nil {
			dropped++
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, dropped
}

func (c Candidate) normalise() Candidate {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	c.Category = strings.ToLower(strings.TrimSpace(c.Category))
	c.Severity = models.Severity(strings.ToLower(strings.TrimSpace(string(c.Severity))))
	c.Description = strings.TrimSpace(c.Description)
	return c
}

// stripFence removes a surrounding markdown code fence, which chat models like to add.
func stripFence(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(trimmed, []byte("```")) {
		return trimmed
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte("```"))
	if nl := bytes.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	}
	trimmed = bytes.TrimSuffix(bytes.TrimSpace(trimmed), []byte("```"))
	return bytes.TrimSpace(trimmed)
}

// DedupKey is the stable identity of an issue: sha256 over the resource identity and kind.
func DedupKey(resource models.Resource, kind string) string {
	sum := sha256.Sum256([]byte(resource.Identity() + "|" + strings.ToLower(strings.TrimSpace(kind))))
	return hex.EncodeToString(sum[:])
}
