// Package policy decides, from configurable rules, whether a failed reconcile
// step should be retried.
package policy

import (
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"

	"github.com/yourorg/billing-bridge/internal/callctx"
	"github.com/yourorg/billing-bridge/internal/planbuilder"
)

// PolicyDecision is the outcome of evaluating the rules for one step result.
type PolicyDecision struct {
	AllowRetry     bool `mapstructure:"allow_retry" json:"allowRetry"`
	EscalateManual bool `mapstructure:"escalate_manual" json:"escalateManual"`
}

// PolicyRule is a govaluate expression and the decision it yields when true.
// Lower Priority values are evaluated first.
//
// Expressions can use: code (string), codeValue (number, -1000 when the code
// is not a billing response code), attempt, maxAttempts, operation, sku,
// retryable.
type PolicyRule struct {
	ID         string         `mapstructure:"id"`
	Expression string         `mapstructure:"expression"`
	Priority   int            `mapstructure:"priority"`
	Decision   PolicyDecision `mapstructure:"decision"`
}

type compiledRule struct {
	PolicyRule
	expr *govaluate.EvaluableExpression
}

// PolicyEnforcer evaluates rules in priority order; the first rule that
// matches decides.
type PolicyEnforcer struct {
	rules []compiledRule
}

// DefaultRules are used when no rules are configured.
func DefaultRules() []PolicyRule {
	return []PolicyRule{
		{
			ID:         "developer_error_escalate",
			Expression: "code == 'DEVELOPER_ERROR'",
			Priority:   1,
			Decision:   PolicyDecision{AllowRetry: false, EscalateManual: true},
		},
		{
			ID:         "circuit_open_no_retry",
			Expression: "code == 'CIRCUIT_OPEN' || code == 'TIMEOUT_BUDGET_EXCEEDED'",
			Priority:   2,
			Decision:   PolicyDecision{AllowRetry: false},
		},
		{
			ID:         "billing_unavailable_escalate",
			Expression: "code == 'BILLING_UNAVAILABLE' && attempt >= maxAttempts",
			Priority:   3,
			Decision:   PolicyDecision{AllowRetry: false, EscalateManual: true},
		},
	}
}

// NewPolicyEnforcer compiles rules. Rules with equal priority keep
// their given order.
func NewPolicyEnforcer(rules []PolicyRule) (*PolicyEnforcer, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{PolicyRule: r, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority < compiled[j].Priority
	})
	return &PolicyEnforcer{rules: compiled}, nil
}

// Evaluate decides what to do after res. When no rule matches, a retryable
// failure may be retried.
func (pe *PolicyEnforcer) Evaluate(rc callctx.ReconcileContext, stepCtx callctx.StepContext, res planbuilder.StepResult) (PolicyDecision, error) {
	if res.Success {
		return PolicyDecision{}, nil
	}

	params := map[string]any{
		"code":        res.ErrorCode,
		"codeValue":   codeValue(res),
		"attempt":     float64(stepCtx.Attempt),
		"maxAttempts": float64(rc.Retry.MaxAttempts),
		"operation":   string(res.Action),
		"sku":         res.Sku,
		"retryable":   res.Retryable,
	}
	for _, r := range pe.rules {
		out, err := r.expr.Evaluate(params)
		if err != nil {
			return PolicyDecision{}, fmt.Errorf("evaluating rule ID '%s': %w", r.ID, err)
		}
		if matched, ok := out.(bool); ok && matched {
			return r.Decision, nil
		}
	}
	return PolicyDecision{AllowRetry: res.Retryable}, nil
}

func codeValue(res planbuilder.StepResult) float64 {
	var v int
	if _, err := fmt.Sscanf(res.Details["response_code"], "%d", &v); err != nil {
		return -1000
	}
	return float64(v)
}
