package planbuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/billing-bridge/internal/callctx"
)

func TestCompositeOptimizer_NilAndEmpty(t *testing.T) {
	o := NewCompositeOptimizer()

	out, err := o.Optimize(callctx.ReconcileContext{}, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	in := &Plan{ID: "empty"}
	out, err = o.Optimize(callctx.ReconcileContext{}, in)
	require.NoError(t, err)
	assert.Same(t, in, out)
}

func TestCompositeOptimizer_DropsDuplicateTokens(t *testing.T) {
	in := &Plan{ID: "p", Steps: []Step{
		{ID: "1", Action: ActionConsume, PurchaseToken: "tok"},
		{ID: "2", Action: ActionConsume, PurchaseToken: "tok"},
		{ID: "3", Action: ActionConsume, PurchaseToken: "other"},
	}}
	out, err := NewCompositeOptimizer().Optimize(callctx.ReconcileContext{}, in)
	require.NoError(t, err)

	require.Len(t, out.Steps, 2)
	assert.Equal(t, "1", out.Steps[0].ID)
	assert.Equal(t, "3", out.Steps[1].ID)
	require.Len(t, out.Skipped, 1)
	assert.Equal(t, ReasonDuplicate, out.Skipped[0].Reason)
	assert.Len(t, in.Steps, 3, "input plan is not modified")
}

func TestCompositeOptimizer_AcknowledgementsFirstStable(t *testing.T) {
	in := &Plan{Steps: []Step{
		{ID: "c1", Action: ActionConsume, PurchaseToken: "a"},
		{ID: "k1", Action: ActionAcknowledge, PurchaseToken: "b"},
		{ID: "c2", Action: ActionConsume, PurchaseToken: "c"},
		{ID: "k2", Action: ActionAcknowledge, PurchaseToken: "d"},
	}}
	out, err := NewCompositeOptimizer().Optimize(callctx.ReconcileContext{}, in)
	require.NoError(t, err)

	var ids []string
	for _, s := range out.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"k1", "k2", "c1", "c2"}, ids)
}

func TestCompositeOptimizer_DryRun(t *testing.T) {
	rc := callctx.ReconcileContext{FeatureFlags: map[string]bool{FlagDryRun: true}}
	in := &Plan{Steps: []Step{
		{ID: "1", Action: ActionConsume, Sku: "coins", PurchaseToken: "a"},
		{ID: "2", Action: ActionAcknowledge, Sku: "ads", PurchaseToken: "b"},
	}}
	out, err := NewCompositeOptimizer().Optimize(rc, in)
	require.NoError(t, err)

	assert.Empty(t, out.Steps)
	require.Len(t, out.Skipped, 2)
	for _, s := range out.Skipped {
		assert.Equal(t, ReasonDryRun, s.Reason)
	}
}
