// Package router gates reconcile steps behind per-operation circuit breakers
// and the run's time budget before handing them to the processor.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/yourorg/billing-bridge/internal/callctx"
	"github.com/yourorg/billing-bridge/internal/logging"
	"github.com/yourorg/billing-bridge/internal/planbuilder"
	"github.com/yourorg/billing-bridge/internal/processor"
	"github.com/yourorg/billing-bridge/internal/router/circuitbreaker"
)

// MinRemainingBudget is the least budget a step needs to be attempted.
const MinRemainingBudget = 10 * time.Millisecond

// Result codes produced by the router itself.
const (
	CodeCircuitOpen           = "CIRCUIT_OPEN"
	CodeTimeoutBudgetExceeded = "TIMEOUT_BUDGET_EXCEEDED"
)

// StepProcessor runs one attempt of a step.
type StepProcessor interface {
	ProcessSingleStep(ctx context.Context, stepCtx callctx.StepContext, step planbuilder.Step) planbuilder.StepResult
}

// Router decides whether a step may run and feeds the outcome back into the breaker.
type Router struct {
	processor      StepProcessor
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *logging.Logger
}

// NewRouter creates a Router.
func NewRouter(p StepProcessor, cb *circuitbreaker.CircuitBreaker, logger *logging.Logger) *Router {
	if p == nil {
		panic("processor cannot be nil")
	}
	if cb == nil {
		panic("circuit breaker cannot be nil")
	}
	return &Router{
		processor:      p,
		circuitBreaker: cb,
		logger:         logging.OrNop(logger).WithComponent("router"),
	}
}

// ExecuteStep runs one attempt of step. The breaker is keyed by the step's
// action. Only retryable failures count against it; a caller that gave up
// counts neither way.
func (r *Router) ExecuteStep(ctx context.Context, stepCtx callctx.StepContext, step planbuilder.Step) planbuilder.StepResult {
	if stepCtx.Bounded && stepCtx.RemainingBudget < MinRemainingBudget {
		return planbuilder.StepResult{
			StepID:        step.ID,
			Action:        step.Action,
			Sku:           step.Sku,
			PurchaseToken: step.PurchaseToken,
			Attempt:       stepCtx.Attempt,
			CompletedAt:   time.Now(),
			ErrorCode:     CodeTimeoutBudgetExceeded,
			ErrorMessage:  fmt.Sprintf("budget exhausted before %s: %s remaining", step.Action, stepCtx.RemainingBudget),
			Details:       map[string]string{"remaining_budget_ms": fmt.Sprintf("%d", stepCtx.RemainingBudget.Milliseconds())},
		}
	}

	key := string(step.Action)
	if !r.circuitBreaker.AllowRequest(key) {
		r.logger.Warn("circuit open, step not attempted", "step_id", step.ID, "action", key)
		return planbuilder.StepResult{
			StepID:        step.ID,
			Action:        step.Action,
			Sku:           step.Sku,
			PurchaseToken: step.PurchaseToken,
			Attempt:       stepCtx.Attempt,
			CompletedAt:   time.Now(),
			ErrorCode:     CodeCircuitOpen,
			ErrorMessage:  fmt.Sprintf("circuit open for %s", key),
		}
	}

	res := r.processor.ProcessSingleStep(ctx, stepCtx, step)
	switch {
	case res.Success:
		r.circuitBreaker.RecordSuccess(key)
	case res.ErrorCode == processor.CodeAbandoned:
	case res.Retryable:
		r.circuitBreaker.RecordFailure(key)
	default:
		r.circuitBreaker.RecordSuccess(key)
	}
	return res
}

// Breaker returns the router's circuit breaker.
func (r *Router) Breaker() *circuitbreaker.CircuitBreaker {
	return r.circuitBreaker
}
