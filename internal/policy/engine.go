// Package policy decides how bot log entries are displayed using OPA.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/botconsole/internal/domain"
)

// Decision is the display decision for one log entry.
type Decision string

const (
	Show      Decision = "show"
	Highlight Decision = "highlight"
	Hide      Decision = "hide"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
// The policy must define data.log_policy.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.log_policy.decision"),
		rego.Module("log_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadFile creates an engine from a .rego file. An empty path selects
// DefaultPolicy.
func LoadFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Decide evaluates the policy for one entry. An undefined decision means Show.
func (e *Engine) Decide(ctx context.Context, log domain.BotLog) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(inputFor(log)))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Show, nil
	}

	val := results[0].Expressions[0].Value
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("policy decision has type %T, want string", val)
	}
	switch d := Decision(s); d {
	case Show, Highlight, Hide:
		return d, nil
	default:
		return "", fmt.Errorf("unknown policy decision %q", s)
	}
}

// Annotated is a log entry with its display decision.
type Annotated struct {
	domain.BotLog
	Decision Decision
}

// Annotate decides every entry in order and drops the hidden ones.
func (e *Engine) Annotate(ctx context.Context, logs []domain.BotLog) ([]Annotated, error) {
	out := make([]Annotated, 0, len(logs))
	for _, l := range logs {
		d, err := e.Decide(ctx, l)
		if err != nil {
			return nil, fmt.Errorf("seq %d: %w", l.SeqID, err)
		}
		if d == Hide {
			continue
		}
		out = append(out, Annotated{BotLog: l, Decision: d})
	}
	return out, nil
}

func inputFor(log domain.BotLog) map[string]interface{} {
	images := make([]interface{}, 0, len(log.Images))
	for _, img := range log.Images {
		images = append(images, img)
	}
	return map[string]interface{}{
		"seq_id":             log.SeqID,
		"level":              string(log.Level),
		"text":               log.Text,
		"images":             images,
		"message_session_id": log.MessageSessionID,
		"timestamp":          log.Timestamp,
	}
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package log_policy

default decision = "show"

# Errors stand out
decision = "highlight" {
	input.level == "error"
}
`
