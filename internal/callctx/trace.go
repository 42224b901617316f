package callctx

import (
	"context"

	"github.com/google/uuid"
)

// TraceContext carries the identifiers that tie the logs and spans of one
// reconcile run together.
type TraceContext struct {
	TraceID string
	SpanID  string
	Baggage map[string]string

	stdCtx context.Context
}

// NewTraceContext creates a TraceContext with a fresh TraceID and root SpanID.
// A nil parent is treated as context.Background.
func NewTraceContext(parent context.Context) *TraceContext {
	if parent == nil {
		parent = context.Background()
	}
	tc := &TraceContext{
		TraceID: uuid.NewString(),
		SpanID:  uuid.NewString(),
		Baggage: make(map[string]string),
	}
	tc.stdCtx = context.WithValue(parent, traceKey{}, tc)
	return tc
}

// NewSpan moves the trace to a new child span and returns its ID.
func (tc *TraceContext) NewSpan() string {
	tc.SpanID = uuid.NewString()
	return tc.SpanID
}

// Context returns the context the trace was created on, carrying the trace.
func (tc *TraceContext) Context() context.Context {
	return tc.stdCtx
}

type traceKey struct{}

// TraceFrom returns the TraceContext stored in ctx, if any.
func TraceFrom(ctx context.Context) (*TraceContext, bool) {
	if ctx == nil {
		return nil, false
	}
	tc, ok := ctx.Value(traceKey{}).(*TraceContext)
	return tc, ok
}
