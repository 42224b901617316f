// Package planbuilder turns a purchases snapshot into a reconcile plan.
package planbuilder

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yourorg/billing-bridge/internal/adapter"
	"github.com/yourorg/billing-bridge/internal/callctx"
)

var (
	planRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billing_bridge",
		Name:      "plan_requests_total",
		Help:      "Total number of reconcile plans requested.",
	})
	planBuildDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "billing_bridge",
		Name:      "plan_build_duration_seconds",
		Help:      "Time taken to build a reconcile plan.",
		Buckets:   prometheus.DefBuckets,
	})
)

// GetPlanRequestsTotal returns the plan request counter.
func GetPlanRequestsTotal() prometheus.Counter {
	return planRequestsTotal
}

// GetPlanBuildDurationSeconds returns the plan build histogram.
func GetPlanBuildDurationSeconds() prometheus.Histogram {
	return planBuildDurationSeconds
}

// PlanBuilder builds reconcile plans.
type PlanBuilder struct {
	optimizer Optimizer
}

// NewPlanBuilder creates a PlanBuilder. A nil optimizer uses CompositeOptimizer.
func NewPlanBuilder(optimizer Optimizer) *PlanBuilder {
	if optimizer == nil {
		optimizer = NewCompositeOptimizer()
	}
	return &PlanBuilder{optimizer: optimizer}
}

// Build plans one step per purchase that still needs work: consumables are
// consumed, purchased non-consumables that are not acknowledged are
// acknowledged. Everything else is recorded as skipped.
func (b *PlanBuilder) Build(ctx context.Context, rc callctx.ReconcileContext, purchases []adapter.Purchase) (*Plan, error) {
	ctx, span := otel.Tracer("planbuilder").Start(ctx, "PlanBuilder.Build")
	defer span.End()

	planRequestsTotal.Inc()
	timer := prometheus.NewTimer(planBuildDurationSeconds)
	defer timer.ObserveDuration()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plan := &Plan{ID: uuid.NewString(), ReconcileID: rc.ReconcileID}
	for _, p := range purchases {
		if p.PurchaseToken == "" {
			plan.Skipped = append(plan.Skipped, Skipped{Sku: p.Sku, Reason: ReasonMissingToken})
			continue
		}
		switch p.State {
		case adapter.PurchaseStatePending:
			plan.Skipped = append(plan.Skipped, Skipped{Sku: p.Sku, PurchaseToken: p.PurchaseToken, Reason: ReasonPending})
			continue
		case adapter.PurchaseStatePurchased:
		default:
			plan.Skipped = append(plan.Skipped, Skipped{Sku: p.Sku, PurchaseToken: p.PurchaseToken, Reason: ReasonUnknownStatus})
			continue
		}

		step := Step{
			ID:               uuid.NewString(),
			Sku:              p.Sku,
			SkuType:          p.SkuType,
			PurchaseToken:    p.PurchaseToken,
			DeveloperPayload: p.DeveloperPayload,
		}
		switch {
		case p.Consumable:
			step.Action = ActionConsume
		case !p.Acknowledged:
			step.Action = ActionAcknowledge
		default:
			plan.Skipped = append(plan.Skipped, Skipped{Sku: p.Sku, PurchaseToken: p.PurchaseToken, Reason: ReasonAcknowledged})
			continue
		}
		plan.Steps = append(plan.Steps, step)
	}

	optimized, err := b.optimizer.Optimize(rc, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "optimize failed")
		return nil, fmt.Errorf("failed to optimize reconcile plan: %w", err)
	}
	if optimized == nil {
		err := errors.New("optimizer returned no plan")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("plan.id", optimized.ID),
		attribute.Int("plan.steps", len(optimized.Steps)),
		attribute.Int("plan.skipped", len(optimized.Skipped)),
	)
	return optimized, nil
}
