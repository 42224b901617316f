package planbuilder

import (
	"slices"

	"github.com/yourorg/billing-bridge/internal/callctx"
)

// FlagDryRun turns every planned step into a skipped entry.
const FlagDryRun = "dryRun"

// Optimizer rewrites a freshly built plan.
type Optimizer interface {
	Optimize(rc callctx.ReconcileContext, plan *Plan) (*Plan, error)
}

// CompositeOptimizer drops steps that repeat a purchase token and puts
// acknowledgements ahead of consumptions. Relative order is otherwise kept.
type CompositeOptimizer struct{}

// NewCompositeOptimizer creates a CompositeOptimizer.
func NewCompositeOptimizer() *CompositeOptimizer {
	return &CompositeOptimizer{}
}

// Optimize implements Optimizer.
func (o *CompositeOptimizer) Optimize(rc callctx.ReconcileContext, plan *Plan) (*Plan, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return plan, nil
	}

	seen := make(map[string]bool, len(plan.Steps))
	steps := make([]Step, 0, len(plan.Steps))
	skipped := slices.Clone(plan.Skipped)
	for _, s := range plan.Steps {
		if seen[s.PurchaseToken] {
			skipped = append(skipped, Skipped{Sku: s.Sku, PurchaseToken: s.PurchaseToken, Reason: ReasonDuplicate})
			continue
		}
		seen[s.PurchaseToken] = true
		steps = append(steps, s)
	}

	slices.SortStableFunc(steps, func(a, b Step) int {
		return actionRank(a.Action) - actionRank(b.Action)
	})

	if rc.GetFeatureFlag(FlagDryRun) {
		for _, s := range steps {
			skipped = append(skipped, Skipped{Sku: s.Sku, PurchaseToken: s.PurchaseToken, Reason: ReasonDryRun})
		}
		steps = nil
	}

	out := *plan
	out.Steps = steps
	out.Skipped = skipped
	return &out, nil
}

func actionRank(a Action) int {
	if a == ActionAcknowledge {
		return 0
	}
	return 1
}
