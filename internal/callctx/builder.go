package callctx

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/yourorg/billing-bridge/internal/adapter"
)

// Request is the caller's description of a reconcile run. Zero fields fall back
// to the builder's defaults.
type Request struct {
	SkuTypes     []adapter.SkuType `json:"skuTypes"`
	MaxAttempts  int               `json:"maxAttempts,omitempty"`
	BudgetMs     int64             `json:"budgetMs,omitempty"`
	FeatureFlags map[string]bool   `json:"featureFlags,omitempty"`
}

// Builder creates the trace and reconcile contexts for a run.
type Builder struct {
	defaults ReconcileContext
}

// NewBuilder creates a Builder that fills unset request fields from defaults.
func NewBuilder(defaults ReconcileContext) *Builder {
	if defaults.Retry.MaxAttempts <= 0 {
		defaults.Retry.MaxAttempts = 1
	}
	if len(defaults.SkuTypes) == 0 {
		defaults.SkuTypes = []adapter.SkuType{adapter.SkuTypeInApp, adapter.SkuTypeSubs}
	}
	return &Builder{defaults: defaults}
}

// BuildContexts validates req and returns the contexts for a new run.
func (b *Builder) BuildContexts(ctx context.Context, req *Request) (*TraceContext, ReconcileContext, error) {
	if req == nil {
		return nil, ReconcileContext{}, errors.New("reconcile request cannot be nil")
	}
	if req.MaxAttempts < 0 || req.BudgetMs < 0 {
		return nil, ReconcileContext{}, fmt.Errorf("reconcile request has negative limits: maxAttempts=%d budgetMs=%d", req.MaxAttempts, req.BudgetMs)
	}

	skuTypes := req.SkuTypes
	if len(skuTypes) == 0 {
		skuTypes = b.defaults.SkuTypes
	}
	for _, st := range skuTypes {
		if !st.Valid() {
			return nil, ReconcileContext{}, fmt.Errorf("unsupported sku type %q", st)
		}
	}

	tc := NewTraceContext(ctx)
	rc := ReconcileContext{
		ReconcileID:  tc.TraceID,
		SkuTypes:     append([]adapter.SkuType(nil), skuTypes...),
		Timeout:      b.defaults.Timeout,
		Retry:        b.defaults.Retry,
		FeatureFlags: maps.Clone(b.defaults.FeatureFlags),
	}
	if req.MaxAttempts > 0 {
		rc.Retry.MaxAttempts = req.MaxAttempts
	}
	if req.BudgetMs > 0 {
		rc.Timeout.OverallBudget = time.Duration(req.BudgetMs) * time.Millisecond
	}
	for k, v := range req.FeatureFlags {
		if rc.FeatureFlags == nil {
			rc.FeatureFlags = make(map[string]bool)
		}
		rc.FeatureFlags[k] = v
	}
	return tc, rc, nil
}
