package orchestrator

import (
	"context"
	"fmt"

	"github.com/yourorg/billing-bridge/internal/adapter"
	"github.com/yourorg/billing-bridge/internal/callctx"
	"github.com/yourorg/billing-bridge/internal/planbuilder"
)

// PurchaseSource lists the items the user currently owns.
type PurchaseSource interface {
	QueryPurchases(ctx context.Context, skuType adapter.SkuType) ([]adapter.Purchase, error)
}

// Planner turns a purchases snapshot into a plan.
type Planner interface {
	Build(ctx context.Context, rc callctx.ReconcileContext, purchases []adapter.Purchase) (*planbuilder.Plan, error)
}

// Reconciler runs the full flow: snapshot purchases, plan, execute.
type Reconciler struct {
	builder *callctx.Builder
	source  PurchaseSource
	planner Planner
	orch    *Orchestrator
}

// NewReconciler creates a Reconciler.
func NewReconciler(builder *callctx.Builder, source PurchaseSource, planner Planner, orch *Orchestrator) *Reconciler {
	return &Reconciler{builder: builder, source: source, planner: planner, orch: orch}
}

// Reconcile settles every outstanding purchase of the requested SKU types.
func (r *Reconciler) Reconcile(ctx context.Context, req *callctx.Request) (ReconcileResult, error) {
	tc, rc, err := r.builder.BuildContexts(ctx, req)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("building reconcile context: %w", err)
	}

	var purchases []adapter.Purchase
	for _, st := range rc.SkuTypes {
		owned, err := r.source.QueryPurchases(ctx, st)
		if err != nil {
			return ReconcileResult{ReconcileID: rc.ReconcileID, Status: StatusFailure, FailureReason: err.Error()},
				fmt.Errorf("querying %s purchases: %w", st, err)
		}
		purchases = append(purchases, owned...)
	}

	plan, err := r.planner.Build(ctx, rc, purchases)
	if err != nil {
		return ReconcileResult{ReconcileID: rc.ReconcileID, Status: StatusFailure, FailureReason: err.Error()},
			fmt.Errorf("building plan: %w", err)
	}
	return r.orch.Execute(ctx, tc, rc, plan)
}
