package callctx

import (
	"time"

	"github.com/yourorg/billing-bridge/internal/adapter"
)

// TimeoutConfig bounds a reconcile run. Zero values mean no bound.
type TimeoutConfig struct {
	OverallBudget time.Duration
	StepTimeout   time.Duration
}

// RetryPolicy holds the retry limits for each step of a run.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// ReconcileContext carries the business settings of one reconcile run.
type ReconcileContext struct {
	ReconcileID  string
	SkuTypes     []adapter.SkuType
	Timeout      TimeoutConfig
	Retry        RetryPolicy
	FeatureFlags map[string]bool
}

// GetFeatureFlag reports whether the named flag is set.
func (r *ReconcileContext) GetFeatureFlag(key string) bool {
	if r.FeatureFlags == nil {
		return false
	}
	return r.FeatureFlags[key]
}
