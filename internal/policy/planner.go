package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Plan is the remediation proposed for an issue.
type Plan struct {
	RuleID      string            `json:"rule_id"`
	Category    string            `json:"category"`
	CommandType string            `json:"command_type"`
	Params      map[string]string `json:"params"`
}

// Rule maps matching issues onto a command.
type Rule struct {
	ID       string            `yaml:"id"`
	Match    RuleMatch         `yaml:"match"`
	Category string            `yaml:"category"`
	Command  string            `yaml:"command"`
	Params   map[string]string `yaml:"params"`
}

// RuleMatch defines optional attributes for rule matching. Kind is required.
type RuleMatch struct {
	Kind         string   `yaml:"kind"`
	ResourceKind string   `yaml:"resource_kind"`
	MinSeverity  string   `yaml:"min_severity"`
	Namespaces   []string `yaml:"namespaces"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// Planner turns issues into remediation plans using an ordered rule pack.
type Planner struct {
	rules  []Rule
	logger *slog.Logger
}

// NewPlanner loads rules from path. An empty path selects the built-in pack; a missing file
// falls back to it with a warning.
func NewPlanner(path string, logger *slog.Logger) (*Planner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data := defaultRules
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("planner rules not found, using built-in pack", slog.String("path", path))
		case err != nil:
			return nil, fmt.Errorf("read planner rules: %w", err)
		default:
			data = raw
		}
	}
	return ParseRules(data, logger)
}

// ParseRules builds a Planner from a YAML rule pack.
func ParseRules(data []byte, logger *slog.Logger) (*Planner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse planner rules: %w", err)
	}
	for i, rule := range cfg.Rules {
		if rule.Match.Kind == "" || rule.Command == "" {
			return nil, fmt.Errorf("planner rule %d (%s): match.kind and command are required", i, rule.ID)
		}
		if rule.Match.MinSeverity != "" {
			if _, err := models.ParseSeverity(rule.Match.MinSeverity); err != nil {
				return nil, fmt.Errorf("planner rule %d (%s): %w", i, rule.ID, err)
			}
		}
	}
	return &Planner{rules: cfg.Rules, logger: logger}, nil
}

// Plan returns the first matching rule rendered for issue.
func (p *Planner) Plan(issue models.Issue) (*Plan, bool) {
	if p == nil {
		return nil, false
	}
	for _, rule := range p.rules {
		if !ruleMatches(rule.Match, issue) {
			continue
		}
		return &Plan{
			RuleID:      rule.ID,
			Category:    rule.Category,
			CommandType: rule.Command,
			Params:      renderParams(rule.Params, issue.Resource),
		}, true
	}
	p.logger.Debug("no remediation rule matched", slog.String("kind", issue.Kind), slog.String("issue_id", issue.ID))
	return nil, false
}

// Category returns the category of the first rule for kind, or empty.
func (p *Planner) Category(kind string) string {
	if p == nil {
		return ""
	}
	for _, rule := range p.rules {
		if strings.EqualFold(rule.Match.Kind, kind) && rule.Category != "" {
			return rule.Category
		}
	}
	return ""
}

func ruleMatches(m RuleMatch, issue models.Issue) bool {
	if !strings.EqualFold(m.Kind, issue.Kind) {
		return false
	}
	if m.ResourceKind != "" && !strings.EqualFold(m.ResourceKind, issue.Resource.Kind) {
		return false
	}
	if m.MinSeverity != "" && !issue.Severity.AtLeast(models.Severity(strings.ToLower(m.MinSeverity))) {
		return false
	}
	if len(m.Namespaces) > 0 && !containsFold(m.Namespaces, issue.Resource.Namespace) {
		return false
	}
	return true
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}

func renderParams(templates map[string]string, r models.Resource) map[string]string {
	replacer := strings.NewReplacer(
		"{{namespace}}", r.Namespace,
		"{{name}}", r.Name,
		"{{node}}", r.Node,
		"{{kind}}", r.Kind,
	)
	out := make(map[string]string, len(templates))
	for k, v := range templates {
		out[k] = replacer.Replace(v)
	}
	return out
}
