package planbuilder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/billing-bridge/internal/adapter"
	"github.com/yourorg/billing-bridge/internal/callctx"
)

type optimizerFunc func(rc callctx.ReconcileContext, plan *Plan) (*Plan, error)

func (f optimizerFunc) Optimize(rc callctx.ReconcileContext, plan *Plan) (*Plan, error) {
	return f(rc, plan)
}

func purchased(sku, token string, consumable, acked bool) adapter.Purchase {
	return adapter.Purchase{
		Sku:           sku,
		SkuType:       adapter.SkuTypeInApp,
		PurchaseToken: token,
		State:         adapter.PurchaseStatePurchased,
		Consumable:    consumable,
		Acknowledged:  acked,
	}
}

func TestBuild_ClassifiesPurchases(t *testing.T) {
	pb := NewPlanBuilder(nil)
	rc := callctx.ReconcileContext{ReconcileID: "rec-1"}

	pending := purchased("gems", "tok_pending", true, false)
	pending.State = adapter.PurchaseStatePending
	unknown := purchased("gems", "tok_unknown", true, false)
	unknown.State = adapter.PurchaseStateUnspecified

	plan, err := pb.Build(context.Background(), rc, []adapter.Purchase{
		purchased("coins_100", "tok_consume", true, false),
		purchased("remove_ads", "tok_ack", false, false),
		purchased("premium", "tok_done", false, true),
		pending,
		unknown,
		purchased("coins_100", "", true, false),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, "rec-1", plan.ReconcileID)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, ActionAcknowledge, plan.Steps[0].Action, "acknowledgements are ordered first")
	assert.Equal(t, "tok_ack", plan.Steps[0].PurchaseToken)
	assert.Equal(t, ActionConsume, plan.Steps[1].Action)
	assert.Equal(t, "tok_consume", plan.Steps[1].PurchaseToken)
	assert.NotEqual(t, plan.Steps[0].ID, plan.Steps[1].ID)

	reasons := map[string]string{}
	for _, s := range plan.Skipped {
		reasons[s.PurchaseToken] = s.Reason
	}
	assert.Equal(t, map[string]string{
		"tok_done":    ReasonAcknowledged,
		"tok_pending": ReasonPending,
		"tok_unknown": ReasonUnknownStatus,
		"":            ReasonMissingToken,
	}, reasons)
}

func TestBuild_EmptySnapshot(t *testing.T) {
	plan, err := NewPlanBuilder(nil).Build(context.Background(), callctx.ReconcileContext{}, nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Steps)
	assert.Empty(t, plan.Skipped)
}

func TestBuild_OptimizerError(t *testing.T) {
	pb := NewPlanBuilder(optimizerFunc(func(callctx.ReconcileContext, *Plan) (*Plan, error) {
		return nil, errors.New("boom")
	}))
	_, err := pb.Build(context.Background(), callctx.ReconcileContext{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to optimize reconcile plan: boom")
}

func TestBuild_OptimizerReturnsNil(t *testing.T) {
	pb := NewPlanBuilder(optimizerFunc(func(callctx.ReconcileContext, *Plan) (*Plan, error) {
		return nil, nil
	}))
	_, err := pb.Build(context.Background(), callctx.ReconcileContext{}, nil)
	require.Error(t, err)
}

func TestBuild_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPlanBuilder(nil).Build(ctx, callctx.ReconcileContext{}, []adapter.Purchase{purchased("a", "t", true, false)})
	assert.ErrorIs(t, err, context.Canceled)
}
