package callctx

import (
	"time"
)

// StepContext is derived for every attempt of a plan step.
type StepContext struct {
	TraceID         string
	SpanID          string
	StartTime       time.Time
	Bounded         bool          // the run has an overall budget
	RemainingBudget time.Duration // meaningful only when Bounded
	StepTimeout     time.Duration
	Retry           RetryPolicy
	Attempt         int // 1 for the first attempt
}

// DeriveStepContext creates the context for one attempt. runStart is when the
// reconcile run began.
func DeriveStepContext(tc *TraceContext, rc ReconcileContext, runStart time.Time, attempt int) StepContext {
	sc := StepContext{
		TraceID:     tc.TraceID,
		SpanID:      tc.NewSpan(),
		StartTime:   time.Now(),
		StepTimeout: rc.Timeout.StepTimeout,
		Retry:       rc.Retry,
		Attempt:     attempt,
	}
	if budget := rc.Timeout.OverallBudget; budget > 0 {
		sc.Bounded = true
		sc.RemainingBudget = max(budget-time.Since(runStart), 0)
	}
	return sc
}

// Exhausted reports whether a bounded run has no budget left.
func (s StepContext) Exhausted() bool {
	return s.Bounded && s.RemainingBudget <= 0
}

// Timeout returns how long the attempt may take: the smaller of the step
// timeout and the remaining budget. Zero means unbounded.
func (s StepContext) Timeout() time.Duration {
	d := s.StepTimeout
	if s.Bounded && (d <= 0 || s.RemainingBudget < d) {
		d = s.RemainingBudget
	}
	return d
}
