// Package orchestrator executes reconcile plans. Steps run concurrently up to
// a limit; each step is retried while the policy allows and attempts remain.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/billing-bridge/internal/callctx"
	"github.com/yourorg/billing-bridge/internal/logging"
	"github.com/yourorg/billing-bridge/internal/metrics"
	"github.com/yourorg/billing-bridge/internal/planbuilder"
	"github.com/yourorg/billing-bridge/internal/policy"
	"github.com/yourorg/billing-bridge/internal/processor"
)

// Run statuses.
const (
	StatusSuccess        = "SUCCESS"
	StatusPartialSuccess = "PARTIAL_SUCCESS"
	StatusFailure        = "FAILURE"
)

const defaultConcurrency = 4

// RouterInterface executes one attempt of a step.
type RouterInterface interface {
	ExecuteStep(ctx context.Context, stepCtx callctx.StepContext, step planbuilder.Step) planbuilder.StepResult
}

// PolicyEnforcerInterface decides whether a failed attempt is retried.
type PolicyEnforcerInterface interface {
	Evaluate(rc callctx.ReconcileContext, stepCtx callctx.StepContext, res planbuilder.StepResult) (policy.PolicyDecision, error)
}

// ReconcileResult is the outcome of one reconcile run.
type ReconcileResult struct {
	ReconcileID   string                   `json:"reconcileId"`
	PlanID        string                   `json:"planId"`
	Status        string                   `json:"status"`
	StepResults   []planbuilder.StepResult `json:"stepResults"`
	Attempts      []planbuilder.StepResult `json:"attempts"`
	Skipped       []planbuilder.Skipped    `json:"skipped,omitempty"`
	Escalations   []string                 `json:"escalations,omitempty"`
	FailureReason string                   `json:"failureReason,omitempty"`
	StartedAt     time.Time                `json:"startedAt"`
	FinishedAt    time.Time                `json:"finishedAt"`
}

// Orchestrator runs plans through a router under a retry policy.
type Orchestrator struct {
	router         RouterInterface
	policyEnforcer PolicyEnforcerInterface
	concurrency    int
	logger         *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency bounds how many steps run at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logging.OrNop(logger)
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(r RouterInterface, pe PolicyEnforcerInterface, opts ...Option) *Orchestrator {
	if r == nil {
		panic("Router cannot be nil")
	}
	if pe == nil {
		panic("PolicyEnforcer cannot be nil")
	}
	o := &Orchestrator{
		router:         r,
		policyEnforcer: pe,
		concurrency:    defaultConcurrency,
		logger:         logging.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithComponent("orchestrator")
	return o
}

// Execute runs every step of plan. It returns an error only for a nil plan;
// step failures are reported in the result.
func (o *Orchestrator) Execute(ctx context.Context, tc *callctx.TraceContext, rc callctx.ReconcileContext, plan *planbuilder.Plan) (ReconcileResult, error) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.Execute")
	defer span.End()

	result := ReconcileResult{ReconcileID: rc.ReconcileID, StartedAt: time.Now()}
	if plan == nil {
		err := errors.New("plan cannot be nil")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result.Status = StatusFailure
		result.FailureReason = err.Error()
		result.FinishedAt = time.Now()
		return result, err
	}
	result.PlanID = plan.ID
	result.Skipped = plan.Skipped

	logger := o.logger.With("reconcile_id", rc.ReconcileID, "plan_id", plan.ID)
	span.SetAttributes(
		attribute.String("reconcile.id", rc.ReconcileID),
		attribute.Int("plan.steps", len(plan.Steps)),
	)

	perStep := make([][]planbuilder.StepResult, len(plan.Steps))
	escalate := make([]bool, len(plan.Steps))

	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)
	for i, step := range plan.Steps {
		g.Go(func() error {
			local := *tc
			perStep[i], escalate[i] = o.runStep(ctx, &local, rc, result.StartedAt, step, logger)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for i, attempts := range perStep {
		final := attempts[len(attempts)-1]
		result.StepResults = append(result.StepResults, final)
		result.Attempts = append(result.Attempts, attempts...)
		if escalate[i] {
			result.Escalations = append(result.Escalations, final.StepID)
		}
		code := final.ErrorCode
		if final.Success {
			succeeded++
			code = "OK"
		}
		metrics.ReconcileStep(string(final.Action), code)
	}

	switch {
	case succeeded == len(plan.Steps):
		result.Status = StatusSuccess
	case succeeded == 0:
		result.Status = StatusFailure
		result.FailureReason = fmt.Sprintf("all %d steps failed", len(plan.Steps))
	default:
		result.Status = StatusPartialSuccess
		result.FailureReason = fmt.Sprintf("%d of %d steps failed", len(plan.Steps)-succeeded, len(plan.Steps))
	}
	result.FinishedAt = time.Now()

	span.SetAttributes(attribute.String("reconcile.status", result.Status))
	if result.Status != StatusSuccess {
		span.SetStatus(codes.Error, result.FailureReason)
	}
	logger.Info("reconcile finished", "status", result.Status, "steps", len(plan.Steps), "attempts", len(result.Attempts))
	return result, nil
}

// runStep attempts step until it succeeds, the policy refuses a retry, the
// attempts run out or ctx ends. It returns every attempt in order.
func (o *Orchestrator) runStep(ctx context.Context, tc *callctx.TraceContext, rc callctx.ReconcileContext, runStart time.Time, step planbuilder.Step, logger *logging.Logger) ([]planbuilder.StepResult, bool) {
	maxAttempts := max(rc.Retry.MaxAttempts, 1)
	var (
		attempts []planbuilder.StepResult
		escalate bool
	)
	for attempt := 1; ; attempt++ {
		sc := callctx.DeriveStepContext(tc, rc, runStart, attempt)
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, planbuilder.StepResult{
				StepID:        step.ID,
				Action:        step.Action,
				Sku:           step.Sku,
				PurchaseToken: step.PurchaseToken,
				Attempt:       attempt,
				CompletedAt:   time.Now(),
				ErrorCode:     processor.CodeAbandoned,
				ErrorMessage:  err.Error(),
			})
			return attempts, escalate
		}

		res := o.router.ExecuteStep(ctx, sc, step)
		if res.Details == nil {
			res.Details = make(map[string]string)
		}
		if res.Success {
			return append(attempts, res), escalate
		}

		decision, err := o.policyEnforcer.Evaluate(rc, sc, res)
		if err != nil {
			logger.Warn("policy evaluation failed", "step_id", step.ID, "error", err)
			res.Details["policy_error"] = err.Error()
			return append(attempts, res), escalate
		}
		res.Details["policy_allow_retry"] = fmt.Sprintf("%t", decision.AllowRetry)
		if decision.EscalateManual {
			res.Details["escalate_manual"] = "true"
			escalate = true
		}
		attempts = append(attempts, res)

		if !decision.AllowRetry || attempt >= maxAttempts {
			logger.Debug("step failed", "step_id", step.ID, "code", res.ErrorCode, "attempt", attempt)
			return attempts, escalate
		}
		if !sleep(ctx, backoff(rc.Retry.Backoff, attempt)) {
			return attempts, escalate
		}
	}
}

// backoff doubles base for every attempt already made.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	return base << min(attempt-1, 10)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
