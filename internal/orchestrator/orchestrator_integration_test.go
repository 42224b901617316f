package orchestrator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/billing-bridge/internal/adapter"
	adaptermock "github.com/yourorg/billing-bridge/internal/adapter/mock"
	"github.com/yourorg/billing-bridge/internal/affinity"
	"github.com/yourorg/billing-bridge/internal/billing"
	"github.com/yourorg/billing-bridge/internal/callctx"
	"github.com/yourorg/billing-bridge/internal/orchestrator"
	"github.com/yourorg/billing-bridge/internal/planbuilder"
	"github.com/yourorg/billing-bridge/internal/policy"
	"github.com/yourorg/billing-bridge/internal/processor"
	"github.com/yourorg/billing-bridge/internal/router"
	"github.com/yourorg/billing-bridge/internal/router/circuitbreaker"
	"github.com/yourorg/billing-bridge/internal/status"
)

type stack struct {
	mock       *adaptermock.MockClient
	breaker    *circuitbreaker.CircuitBreaker
	reconciler *orchestrator.Reconciler
}

func newStack(t *testing.T, maxAttempts int) *stack {
	t.Helper()
	loop := affinity.New("main")
	require.NoError(t, loop.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = loop.Stop(ctx)
	})

	m := adaptermock.NewMockClient()
	m.Async = true
	client := billing.New(m, billing.WithLoop(loop))

	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{FailureThreshold: 3, ResetTimeout: time.Minute})
	r := router.NewRouter(processor.NewProcessor(client), cb, nil)
	pe, err := policy.NewPolicyEnforcer(policy.DefaultRules())
	require.NoError(t, err)

	builder := callctx.NewBuilder(callctx.ReconcileContext{Retry: callctx.RetryPolicy{MaxAttempts: maxAttempts, Backoff: time.Millisecond}})
	o := orchestrator.NewOrchestrator(r, pe, orchestrator.WithConcurrency(2))
	return &stack{
		mock:       m,
		breaker:    cb,
		reconciler: orchestrator.NewReconciler(builder, client, planbuilder.NewPlanBuilder(nil), o),
	}
}

func TestReconcile_SettlesOutstandingPurchases(t *testing.T) {
	s := newStack(t, 3)
	s.mock.AddPurchase(adapter.Purchase{Sku: "coins_100", Consumable: true})
	s.mock.AddPurchase(adapter.Purchase{Sku: "remove_ads"})
	s.mock.AddPurchase(adapter.Purchase{Sku: "premium", Acknowledged: true})
	s.mock.AddPurchase(adapter.Purchase{Sku: "gold_monthly", SkuType: adapter.SkuTypeSubs})
	s.mock.AddPurchase(adapter.Purchase{Sku: "gems", Consumable: true, State: adapter.PurchaseStatePending})

	res, err := s.reconciler.Reconcile(context.Background(), &callctx.Request{})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ReconcileID)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.Len(t, res.StepResults, 3)
	assert.Len(t, res.Skipped, 2)

	owned := map[string]adapter.Purchase{}
	for _, p := range s.mock.Purchases() {
		owned[p.Sku] = p
	}
	assert.NotContains(t, owned, "coins_100", "consumed")
	assert.True(t, owned["remove_ads"].Acknowledged)
	assert.True(t, owned["gold_monthly"].Acknowledged)
	assert.Contains(t, owned, "gems", "pending purchases are left alone")

	again, err := s.reconciler.Reconcile(context.Background(), &callctx.Request{})
	require.NoError(t, err)
	assert.Empty(t, again.StepResults, "a second run has nothing to do")
}

func TestReconcile_RetriesTransientFailures(t *testing.T) {
	s := newStack(t, 3)
	p := s.mock.AddPurchase(adapter.Purchase{Sku: "coins_100", Consumable: true})

	var calls atomic.Int32
	s.mock.ConsumeFunc = func(params adapter.ConsumeParams, listener adapter.ConsumeListener) {
		if calls.Add(1) == 1 {
			go listener(status.NewResult(status.ServiceUnavailable, "busy"), params.PurchaseToken)
			return
		}
		go listener(status.NewResult(status.OK, ""), params.PurchaseToken)
	}

	res, err := s.reconciler.Reconcile(context.Background(), &callctx.Request{SkuTypes: []adapter.SkuType{adapter.SkuTypeInApp}})
	require.NoError(t, err)

	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, "SERVICE_UNAVAILABLE", res.Attempts[0].ErrorCode)
	assert.True(t, res.Attempts[1].Success)
	assert.Equal(t, p.PurchaseToken, res.StepResults[0].Details["consumed_token"])
}

func TestReconcile_DeveloperErrorEscalates(t *testing.T) {
	s := newStack(t, 3)
	s.mock.AddPurchase(adapter.Purchase{Sku: "remove_ads"})
	s.mock.AcknowledgePurchaseFunc = func(params adapter.AcknowledgePurchaseParams, listener adapter.AcknowledgeListener) {
		go listener(status.NewResult(status.DeveloperError, "bad token format"))
	}

	res, err := s.reconciler.Reconcile(context.Background(), &callctx.Request{})
	require.NoError(t, err)

	assert.Equal(t, orchestrator.StatusFailure, res.Status)
	assert.Len(t, res.Attempts, 1, "developer errors are not retried")
	assert.Len(t, res.Escalations, 1)
	assert.Equal(t, "bad token format", res.StepResults[0].ErrorMessage)
}

func TestReconcile_CircuitOpensAfterRepeatedOutages(t *testing.T) {
	s := newStack(t, 5)
	s.mock.AddPurchase(adapter.Purchase{Sku: "coins_100", Consumable: true})
	s.mock.ConsumeFunc = func(params adapter.ConsumeParams, listener adapter.ConsumeListener) {
		go listener(status.NewResult(status.ServiceDisconnected, ""), params.PurchaseToken)
	}

	res, err := s.reconciler.Reconcile(context.Background(), &callctx.Request{})
	require.NoError(t, err)

	assert.Equal(t, orchestrator.StatusFailure, res.Status)
	assert.Equal(t, router.CodeCircuitOpen, res.StepResults[0].ErrorCode)
	assert.Len(t, res.Attempts, 4)
	assert.Equal(t, 3, s.mock.Calls("ConsumeAsync"))
	state, _ := s.breaker.Status("consume")
	assert.Equal(t, circuitbreaker.StateOpen, state)
}

func TestReconcile_DryRunTouchesNothing(t *testing.T) {
	s := newStack(t, 1)
	s.mock.AddPurchase(adapter.Purchase{Sku: "coins_100", Consumable: true})

	res, err := s.reconciler.Reconcile(context.Background(), &callctx.Request{FeatureFlags: map[string]bool{planbuilder.FlagDryRun: true}})
	require.NoError(t, err)

	assert.Empty(t, res.StepResults)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, planbuilder.ReasonDryRun, res.Skipped[0].Reason)
	assert.Zero(t, s.mock.Calls("ConsumeAsync"))
	assert.Len(t, s.mock.Purchases(), 1)
}

func TestReconcile_QueryFailure(t *testing.T) {
	s := newStack(t, 1)
	s.mock.QueryPurchasesFunc = func(adapter.SkuType) adapter.PurchasesResult {
		return adapter.PurchasesResult{Result: status.NewResult(status.BillingUnavailable, "not signed in")}
	}

	res, err := s.reconciler.Reconcile(context.Background(), &callctx.Request{})
	require.Error(t, err)
	code, ok := status.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, status.BillingUnavailable, code)
	assert.Equal(t, orchestrator.StatusFailure, res.Status)
}

func TestReconcile_InvalidRequest(t *testing.T) {
	s := newStack(t, 1)
	_, err := s.reconciler.Reconcile(context.Background(), &callctx.Request{SkuTypes: []adapter.SkuType{"bundle"}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Contains(t, err.Error(), "building reconcile context")
}
