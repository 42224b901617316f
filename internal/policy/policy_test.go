package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/billing-bridge/internal/callctx"
	"github.com/yourorg/billing-bridge/internal/planbuilder"
)

var rc = callctx.ReconcileContext{Retry: callctx.RetryPolicy{MaxAttempts: 3}}

func failure(code string, retryable bool) planbuilder.StepResult {
	return planbuilder.StepResult{Action: planbuilder.ActionConsume, Sku: "coins_100", ErrorCode: code, Retryable: retryable}
}

func TestNewPolicyEnforcer_EmptyAndNilRules(t *testing.T) {
	pe, err := NewPolicyEnforcer(nil)
	require.NoError(t, err)
	assert.Empty(t, pe.rules)

	pe, err = NewPolicyEnforcer([]PolicyRule{})
	require.NoError(t, err)
	assert.Empty(t, pe.rules)
}

func TestNewPolicyEnforcer_CompilationError(t *testing.T) {
	rules := []PolicyRule{
		{ID: "rule1", Expression: "attempt > 1"},
		{ID: "rule2", Expression: "code ==", Decision: PolicyDecision{AllowRetry: true}},
	}
	_, err := NewPolicyEnforcer(rules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile rule ID 'rule2'")
	assert.Contains(t, err.Error(), "Unexpected end of expression")
}

func TestNewPolicyEnforcer_UndefinedFunction(t *testing.T) {
	_, err := NewPolicyEnforcer([]PolicyRule{{ID: "bad_func", Expression: "nonExistentFunction(attempt) == true"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile rule ID 'bad_func'")
	assert.Contains(t, err.Error(), "Undefined function nonExistentFunction")
}

func TestNewPolicyEnforcer_EmptyExpressionInRule(t *testing.T) {
	_, err := NewPolicyEnforcer([]PolicyRule{{ID: "empty_expr_rule"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy rule ID 'empty_expr_rule' has an empty expression")
}

func TestDefaultRulesCompile(t *testing.T) {
	_, err := NewPolicyEnforcer(DefaultRules())
	require.NoError(t, err)
}

func TestPolicyEnforcer_Evaluate_DSL(t *testing.T) {
	rules := []PolicyRule{
		{
			ID: "silver_consume_retry", Expression: "operation == 'consume' && sku == 'coins_100'", Priority: 3,
			Decision: PolicyDecision{AllowRetry: true},
		},
		{
			ID: "developer_error_escalate", Expression: "code == 'DEVELOPER_ERROR'", Priority: 1,
			Decision: PolicyDecision{AllowRetry: false, EscalateManual: true},
		},
		{
			ID: "late_attempt_stop", Expression: "attempt >= maxAttempts", Priority: 2,
			Decision: PolicyDecision{AllowRetry: false},
		},
	}
	pe, err := NewPolicyEnforcer(rules)
	require.NoError(t, err)
	assert.Equal(t, "developer_error_escalate", pe.rules[0].ID, "rules are sorted by priority")

	t.Run("NoRuleMatches_DefaultDecision", func(t *testing.T) {
		res := failure("SERVICE_UNAVAILABLE", true)
		res.Sku = "gems"
		d, err := pe.Evaluate(rc, callctx.StepContext{Attempt: 1}, res)
		require.NoError(t, err)
		assert.True(t, d.AllowRetry)
		assert.False(t, d.EscalateManual)

		res.Retryable = false
		d, err = pe.Evaluate(rc, callctx.StepContext{Attempt: 1}, res)
		require.NoError(t, err)
		assert.False(t, d.AllowRetry)
	})

	t.Run("HighestPriorityWins", func(t *testing.T) {
		d, err := pe.Evaluate(rc, callctx.StepContext{Attempt: 3}, failure("DEVELOPER_ERROR", false))
		require.NoError(t, err)
		assert.False(t, d.AllowRetry)
		assert.True(t, d.EscalateManual)
	})

	t.Run("AttemptRuleBeforeSkuRule", func(t *testing.T) {
		d, err := pe.Evaluate(rc, callctx.StepContext{Attempt: 3}, failure("ITEM_NOT_OWNED", false))
		require.NoError(t, err)
		assert.False(t, d.AllowRetry)
	})

	t.Run("SkuRuleOverridesRetryable", func(t *testing.T) {
		d, err := pe.Evaluate(rc, callctx.StepContext{Attempt: 1}, failure("ITEM_NOT_OWNED", false))
		require.NoError(t, err)
		assert.True(t, d.AllowRetry)
	})

	t.Run("SuccessNeedsNoDecision", func(t *testing.T) {
		d, err := pe.Evaluate(rc, callctx.StepContext{Attempt: 1}, planbuilder.StepResult{Success: true})
		require.NoError(t, err)
		assert.Equal(t, PolicyDecision{}, d)
	})
}

func TestPolicyEnforcer_CodeValue(t *testing.T) {
	pe, err := NewPolicyEnforcer([]PolicyRule{
		{ID: "server_side", Expression: "codeValue < 0 && codeValue > -1000", Decision: PolicyDecision{AllowRetry: true}},
	})
	require.NoError(t, err)

	res := failure("SERVICE_DISCONNECTED", false)
	res.Details = map[string]string{"response_code": "-1"}
	d, err := pe.Evaluate(rc, callctx.StepContext{Attempt: 1}, res)
	require.NoError(t, err)
	assert.True(t, d.AllowRetry)

	d, err = pe.Evaluate(rc, callctx.StepContext{Attempt: 1}, failure("CIRCUIT_OPEN", false))
	require.NoError(t, err)
	assert.False(t, d.AllowRetry)
}

func TestPolicyEnforcer_Evaluate_ParameterNotFound(t *testing.T) {
	pe, err := NewPolicyEnforcer([]PolicyRule{{ID: "missing_param_rule", Expression: "undefinedParam > 10"}})
	require.NoError(t, err)

	_, err = pe.Evaluate(rc, callctx.StepContext{Attempt: 1}, failure("ERROR", true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing_param_rule")
	assert.Contains(t, err.Error(), "No parameter 'undefinedParam' found.")
}

func TestPolicyEnforcer_DefaultRules(t *testing.T) {
	pe, err := NewPolicyEnforcer(DefaultRules())
	require.NoError(t, err)

	d, err := pe.Evaluate(rc, callctx.StepContext{Attempt: 1}, failure("CIRCUIT_OPEN", true))
	require.NoError(t, err)
	assert.False(t, d.AllowRetry)

	d, err = pe.Evaluate(rc, callctx.StepContext{Attempt: 3}, failure("BILLING_UNAVAILABLE", false))
	require.NoError(t, err)
	assert.True(t, d.EscalateManual)

	d, err = pe.Evaluate(rc, callctx.StepContext{Attempt: 1}, failure("SERVICE_TIMEOUT", true))
	require.NoError(t, err)
	assert.True(t, d.AllowRetry)
}
