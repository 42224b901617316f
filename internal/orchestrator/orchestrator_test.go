package orchestrator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/billing-bridge/internal/callctx"
	"github.com/yourorg/billing-bridge/internal/orchestrator"
	"github.com/yourorg/billing-bridge/internal/planbuilder"
	"github.com/yourorg/billing-bridge/internal/policy"
	"github.com/yourorg/billing-bridge/internal/processor"
)

// MockRouter is a testify mock of orchestrator.RouterInterface.
type MockRouter struct {
	mock.Mock
}

func (m *MockRouter) ExecuteStep(ctx context.Context, stepCtx callctx.StepContext, step planbuilder.Step) planbuilder.StepResult {
	args := m.Called(stepCtx.Attempt, step.ID)
	return args.Get(0).(planbuilder.StepResult)
}

// MockPolicyEnforcer is a testify mock of orchestrator.PolicyEnforcerInterface.
type MockPolicyEnforcer struct {
	mock.Mock
}

func (m *MockPolicyEnforcer) Evaluate(rc callctx.ReconcileContext, stepCtx callctx.StepContext, res planbuilder.StepResult) (policy.PolicyDecision, error) {
	args := m.Called(stepCtx.Attempt, res.ErrorCode)
	return args.Get(0).(policy.PolicyDecision), args.Error(1)
}

func plan(ids ...string) *planbuilder.Plan {
	p := &planbuilder.Plan{ID: "plan-1"}
	for _, id := range ids {
		p.Steps = append(p.Steps, planbuilder.Step{ID: id, Action: planbuilder.ActionConsume, PurchaseToken: "tok_" + id})
	}
	return p
}

func reconcileCtx(maxAttempts int) callctx.ReconcileContext {
	return callctx.ReconcileContext{ReconcileID: "rec-1", Retry: callctx.RetryPolicy{MaxAttempts: maxAttempts}}
}

func ok(id string, attempt int) planbuilder.StepResult {
	return planbuilder.StepResult{StepID: id, Action: planbuilder.ActionConsume, Success: true, Attempt: attempt}
}

func failed(id string, attempt int, code string) planbuilder.StepResult {
	return planbuilder.StepResult{StepID: id, Action: planbuilder.ActionConsume, ErrorCode: code, Retryable: true, Attempt: attempt}
}

func TestExecute_AllStepsSucceed(t *testing.T) {
	r := new(MockRouter)
	pe := new(MockPolicyEnforcer)
	r.On("ExecuteStep", 1, "s1").Return(ok("s1", 1)).Once()
	r.On("ExecuteStep", 1, "s2").Return(ok("s2", 1)).Once()

	o := orchestrator.NewOrchestrator(r, pe)
	res, err := o.Execute(context.Background(), callctx.NewTraceContext(context.Background()), reconcileCtx(3), plan("s1", "s2"))

	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.Equal(t, "rec-1", res.ReconcileID)
	assert.Equal(t, "plan-1", res.PlanID)
	require.Len(t, res.StepResults, 2)
	assert.Equal(t, "s1", res.StepResults[0].StepID, "results keep plan order")
	assert.Equal(t, "s2", res.StepResults[1].StepID)
	assert.Len(t, res.Attempts, 2)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
	r.AssertExpectations(t)
	pe.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything)
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	r := new(MockRouter)
	pe := new(MockPolicyEnforcer)
	r.On("ExecuteStep", 1, "s1").Return(failed("s1", 1, "SERVICE_UNAVAILABLE")).Once()
	r.On("ExecuteStep", 2, "s1").Return(failed("s1", 2, "SERVICE_TIMEOUT")).Once()
	r.On("ExecuteStep", 3, "s1").Return(ok("s1", 3)).Once()
	pe.On("Evaluate", mock.Anything, mock.Anything).Return(policy.PolicyDecision{AllowRetry: true}, nil)

	o := orchestrator.NewOrchestrator(r, pe)
	res, err := o.Execute(context.Background(), callctx.NewTraceContext(nil), reconcileCtx(3), plan("s1"))

	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, "true", res.Attempts[0].Details["policy_allow_retry"])
	assert.True(t, res.StepResults[0].Success)
	assert.Equal(t, 3, res.StepResults[0].Attempt)
	r.AssertExpectations(t)
}

func TestExecute_StopsAtMaxAttempts(t *testing.T) {
	r := new(MockRouter)
	pe := new(MockPolicyEnforcer)
	r.On("ExecuteStep", mock.Anything, "s1").Return(failed("s1", 0, "ERROR"))
	pe.On("Evaluate", mock.Anything, mock.Anything).Return(policy.PolicyDecision{AllowRetry: true}, nil)

	o := orchestrator.NewOrchestrator(r, pe)
	res, err := o.Execute(context.Background(), callctx.NewTraceContext(nil), reconcileCtx(2), plan("s1"))

	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusFailure, res.Status)
	assert.Len(t, res.Attempts, 2)
	r.AssertNumberOfCalls(t, "ExecuteStep", 2)
}

func TestExecute_PolicyRefusesRetry(t *testing.T) {
	r := new(MockRouter)
	pe := new(MockPolicyEnforcer)
	r.On("ExecuteStep", 1, "s1").Return(failed("s1", 1, "DEVELOPER_ERROR")).Once()
	r.On("ExecuteStep", 1, "s2").Return(ok("s2", 1)).Once()
	pe.On("Evaluate", 1, "DEVELOPER_ERROR").Return(policy.PolicyDecision{EscalateManual: true}, nil).Once()

	o := orchestrator.NewOrchestrator(r, pe)
	res, err := o.Execute(context.Background(), callctx.NewTraceContext(nil), reconcileCtx(5), plan("s1", "s2"))

	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusPartialSuccess, res.Status)
	assert.Equal(t, []string{"s1"}, res.Escalations)
	assert.Equal(t, "true", res.StepResults[0].Details["escalate_manual"])
	assert.Contains(t, res.FailureReason, "1 of 2 steps failed")
	r.AssertExpectations(t)
	pe.AssertExpectations(t)
}

func TestExecute_PolicyErrorEndsStep(t *testing.T) {
	r := new(MockRouter)
	pe := new(MockPolicyEnforcer)
	r.On("ExecuteStep", 1, "s1").Return(failed("s1", 1, "ERROR")).Once()
	pe.On("Evaluate", 1, "ERROR").Return(policy.PolicyDecision{}, errors.New("bad rule")).Once()

	o := orchestrator.NewOrchestrator(r, pe)
	res, err := o.Execute(context.Background(), callctx.NewTraceContext(nil), reconcileCtx(3), plan("s1"))

	require.NoError(t, err)
	assert.Equal(t, "bad rule", res.StepResults[0].Details["policy_error"])
	r.AssertNumberOfCalls(t, "ExecuteStep", 1)
}

func TestExecute_BackoffRespectsCancellation(t *testing.T) {
	r := new(MockRouter)
	pe := new(MockPolicyEnforcer)
	r.On("ExecuteStep", 1, "s1").Return(failed("s1", 1, "ERROR")).Once()
	pe.On("Evaluate", mock.Anything, mock.Anything).Return(policy.PolicyDecision{AllowRetry: true}, nil)

	rc := reconcileCtx(5)
	rc.Retry.Backoff = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	o := orchestrator.NewOrchestrator(r, pe)
	start := time.Now()
	res, err := o.Execute(ctx, callctx.NewTraceContext(nil), rc, plan("s1"))

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, orchestrator.StatusFailure, res.Status)
	r.AssertNumberOfCalls(t, "ExecuteStep", 1)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	r := new(MockRouter)
	pe := new(MockPolicyEnforcer)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := orchestrator.NewOrchestrator(r, pe)
	res, err := o.Execute(ctx, callctx.NewTraceContext(nil), reconcileCtx(1), plan("s1"))

	require.NoError(t, err)
	assert.Equal(t, processor.CodeAbandoned, res.StepResults[0].ErrorCode)
	r.AssertNotCalled(t, "ExecuteStep", mock.Anything, mock.Anything)
}

func TestExecute_ConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	r := new(MockRouter)
	r.On("ExecuteStep", 1, mock.Anything).Run(func(mock.Arguments) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
	}).Return(ok("", 1))

	o := orchestrator.NewOrchestrator(r, new(MockPolicyEnforcer), orchestrator.WithConcurrency(2))
	res, err := o.Execute(context.Background(), callctx.NewTraceContext(nil), reconcileCtx(1), plan("a", "b", "c", "d", "e"))

	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	r.AssertNumberOfCalls(t, "ExecuteStep", 5)
}

func TestExecute_EmptyAndNilPlan(t *testing.T) {
	o := orchestrator.NewOrchestrator(new(MockRouter), new(MockPolicyEnforcer))

	res, err := o.Execute(context.Background(), callctx.NewTraceContext(nil), reconcileCtx(1), &planbuilder.Plan{ID: "empty"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.Empty(t, res.StepResults)

	res, err = o.Execute(context.Background(), callctx.NewTraceContext(nil), reconcileCtx(1), nil)
	require.Error(t, err)
	assert.Equal(t, orchestrator.StatusFailure, res.Status)
}

func TestNewOrchestrator_PanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { orchestrator.NewOrchestrator(nil, new(MockPolicyEnforcer)) })
	assert.Panics(t, func() { orchestrator.NewOrchestrator(new(MockRouter), nil) })
}
