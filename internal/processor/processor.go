// Package processor runs a single reconcile step against the billing client
// and translates the outcome into a StepResult.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/yourorg/billing-bridge/internal/adapter"
	"github.com/yourorg/billing-bridge/internal/affinity"
	"github.com/yourorg/billing-bridge/internal/billing"
	"github.com/yourorg/billing-bridge/internal/bridge"
	"github.com/yourorg/billing-bridge/internal/callctx"
	"github.com/yourorg/billing-bridge/internal/logging"
	"github.com/yourorg/billing-bridge/internal/planbuilder"
	"github.com/yourorg/billing-bridge/internal/status"
)

// Error codes for failures that carry no billing response code.
const (
	CodeContextUnavailable = "CONTEXT_UNAVAILABLE"
	CodeAbandoned          = "ABANDONED"
	CodeStepTimeout        = "STEP_TIMEOUT"
	CodeRegistrationFailed = "REGISTRATION_FAILED"
	CodeUnknownAction      = "UNKNOWN_ACTION"
	CodeInternal           = "INTERNAL_ERROR"
)

// StepClient is the part of billing.Client a step needs.
type StepClient interface {
	Consume(ctx context.Context, params adapter.ConsumeParams, opts ...billing.CallOption) (string, error)
	AcknowledgePurchase(ctx context.Context, params adapter.AcknowledgePurchaseParams, opts ...billing.CallOption) error
}

// Processor executes steps, at most as fast as its limiter allows.
type Processor struct {
	client  StepClient
	limiter *rate.Limiter
	logger  *logging.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithRateLimit bounds how many steps start per second. A non-positive
// limit removes the bound.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Processor) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithLogger sets the processor's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Processor) {
		p.logger = logging.OrNop(logger)
	}
}

// NewProcessor creates a Processor around client.
func NewProcessor(client StepClient, opts ...Option) *Processor {
	if client == nil {
		panic("step client cannot be nil")
	}
	p := &Processor{
		client:  client,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("processor")
	return p
}

// ProcessSingleStep performs step once. The attempt is bounded by the step
// context's timeout when it has one.
func (p *Processor) ProcessSingleStep(ctx context.Context, stepCtx callctx.StepContext, step planbuilder.Step) planbuilder.StepResult {
	res := planbuilder.StepResult{
		StepID:        step.ID,
		Action:        step.Action,
		Sku:           step.Sku,
		PurchaseToken: step.PurchaseToken,
		Attempt:       stepCtx.Attempt,
		Details: map[string]string{
			"trace_id": stepCtx.TraceID,
			"span_id":  stepCtx.SpanID,
		},
	}

	if d := stepCtx.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := p.limiter.Wait(ctx); err != nil {
		res.CompletedAt = time.Now()
		return fail(res, limiterErr(ctx, err))
	}

	started := time.Now()
	var err error
	switch step.Action {
	case planbuilder.ActionConsume:
		var token string
		token, err = p.client.Consume(ctx, adapter.ConsumeParams{
			PurchaseToken:    step.PurchaseToken,
			DeveloperPayload: step.DeveloperPayload,
		})
		if err == nil && token != "" {
			res.Details["consumed_token"] = token
		}
	case planbuilder.ActionAcknowledge:
		err = p.client.AcknowledgePurchase(ctx, adapter.AcknowledgePurchaseParams{
			PurchaseToken:    step.PurchaseToken,
			DeveloperPayload: step.DeveloperPayload,
		})
	default:
		res.ErrorCode = CodeUnknownAction
		res.ErrorMessage = fmt.Sprintf("no billing operation for action %q", step.Action)
		res.CompletedAt = time.Now()
		return res
	}
	res.CompletedAt = time.Now()
	res.LatencyMs = res.CompletedAt.Sub(started).Milliseconds()

	if err != nil {
		res = fail(res, err)
		p.logger.Debug("step failed", "step_id", step.ID, "action", step.Action, "attempt", stepCtx.Attempt, "code", res.ErrorCode, "error", err)
		return res
	}
	res.Success = true
	return res
}

// limiterErr maps a failed limiter wait onto the context outcome. The limiter
// refuses up front a wait that would outlast the deadline, before ctx is done.
func limiterErr(ctx context.Context, err error) error {
	cause := ctx.Err()
	if _, ok := ctx.Deadline(); ok && cause == nil {
		cause = context.DeadlineExceeded
	}
	if cause == nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return fmt.Errorf("%w: %w: waiting for rate limiter: %v", bridge.ErrAbandoned, cause, err)
}

// fail fills the error fields of res from err.
func fail(res planbuilder.StepResult, err error) planbuilder.StepResult {
	res.Success = false
	res.ErrorMessage = err.Error()

	var regErr *bridge.RegistrationError
	switch {
	case errors.Is(err, affinity.ErrContextUnavailable):
		res.ErrorCode = CodeContextUnavailable
	case errors.Is(err, bridge.ErrAbandoned) && errors.Is(err, context.DeadlineExceeded):
		res.ErrorCode = CodeStepTimeout
		res.Retryable = true
	case errors.Is(err, bridge.ErrAbandoned):
		res.ErrorCode = CodeAbandoned
	case errors.As(err, &regErr):
		res.ErrorCode = CodeRegistrationFailed
	default:
		if re, ok := status.AsResultError(err); ok {
			res.ErrorCode = re.Code().String()
			res.ErrorMessage = re.Result.DebugMessage
			res.Retryable = status.IsRetryable(re.Code())
			res.Details["response_code"] = fmt.Sprintf("%d", int(re.Code()))
		} else {
			res.ErrorCode = CodeInternal
		}
	}
	return res
}
