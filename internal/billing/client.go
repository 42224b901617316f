// Package billing exposes the callback-based billing client as blocking calls
// and tasks. Every operation has a blocking form, which waits on the caller's
// goroutine and abandons the operation when ctx ends, and an Async form that
// returns the *bridge.Task for callers that want to wait later or elsewhere.
//
// Operations that must be initiated from the foreground context are started on
// the client's affinity loop; the task they return can be awaited from any
// goroutine. A non-OK billing result fails the operation with a
// *status.ResultError carrying the code and debug message unchanged.
package billing

import (
	"context"
	"errors"
	"iter"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/billing-bridge/internal/adapter"
	"github.com/yourorg/billing-bridge/internal/affinity"
	"github.com/yourorg/billing-bridge/internal/bridge"
	"github.com/yourorg/billing-bridge/internal/logging"
	"github.com/yourorg/billing-bridge/internal/status"
)

// Operation names, used for task names, span names, metrics and logs.
const (
	OpSkuDetails        = "sku_details"
	OpAcknowledge       = "acknowledge"
	OpConsume           = "consume"
	OpPriceChange       = "price_change"
	OpPriceChangeStream = "price_change_stream"
	OpRewardedSku       = "rewarded_sku"
	OpPurchaseHistory   = "purchase_history"
	OpQueryPurchases    = "query_purchases"
)

const tracerName = "github.com/yourorg/billing-bridge/internal/billing"

// Client adapts an adapter.BillingClient. It is safe for concurrent use; it
// does not serialize calls to the underlying client.
type Client struct {
	client adapter.BillingClient
	loop   *affinity.Loop
	logger *logging.Logger
	tracer trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithLoop sets the loop that affinity-bound operations are initiated on.
// Without one, every operation is initiated on the calling goroutine.
func WithLoop(l *affinity.Loop) Option {
	return func(c *Client) {
		c.loop = l
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrNop(logger)
	}
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// New wraps client.
func New(client adapter.BillingClient, opts ...Option) *Client {
	c := &Client{
		client: client,
		logger: logging.Nop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("billing")
	return c
}

// Loop returns the client's default affinity loop, which may be nil.
func (c *Client) Loop() *affinity.Loop {
	return c.loop
}

// CallOption adjusts where a single operation is initiated.
type CallOption func(*callConfig)

type callConfig struct {
	loop   *affinity.Loop
	inline bool
}

// OnLoop initiates the operation on l instead of the client's loop.
func OnLoop(l *affinity.Loop) CallOption {
	return func(cfg *callConfig) {
		cfg.loop = l
		cfg.inline = false
	}
}

// Inline initiates the operation on the calling goroutine. Use it when the
// caller already runs in the required context.
func Inline() CallOption {
	return func(cfg *callConfig) {
		cfg.inline = true
	}
}

func (c *Client) loopFor(affine bool, opts []CallOption) *affinity.Loop {
	cfg := callConfig{loop: c.loop}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !affine || cfg.inline {
		return nil
	}
	return cfg.loop
}

// call is the shape of every single-shot adaptation: invoke the client once
// and report its answer through done.
type call[T any] func(client adapter.BillingClient, done func(res status.Result, v T))

func start[T any](c *Client, ctx context.Context, op string, affine bool, opts []CallOption, fn call[T]) *bridge.Task[T] {
	loop := c.loopFor(affine, opts)
	ctx, span := c.tracer.Start(ctx, "billing."+op, trace.WithAttributes(
		attribute.String("billing.operation", op),
		attribute.Bool("billing.on_loop", loop != nil),
	))
	logger := c.logger.WithOperation(op)
	ctx = logging.NewContext(ctx, logger)

	task := affinity.Initiate(ctx, loop, op, func(_ context.Context, cont *bridge.Continuation[T]) error {
		client := adapter.Bind(cont.Context(), c.client)
		fn(client, func(res status.Result, v T) {
			cont.Complete(res, v)
		})
		return nil
	})
	task.Then(func(_ T, err error) {
		endSpan(span, logger, err)
	})
	return task
}

func endSpan(span trace.Span, logger *logging.Logger, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		logger.Debug("operation resolved")
		return
	}
	if code, ok := status.CodeOf(err); ok {
		span.SetAttributes(attribute.String("billing.response_code", code.String()))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Debug("operation failed", "error", err)
}

// GetSkuDetailsAsync starts a SKU details query on the loop. A nil or empty
// result list is a success.
func (c *Client) GetSkuDetailsAsync(ctx context.Context, params adapter.SkuDetailsParams, opts ...CallOption) *bridge.Task[[]adapter.SkuDetails] {
	return start(c, ctx, OpSkuDetails, true, opts, func(client adapter.BillingClient, done func(status.Result, []adapter.SkuDetails)) {
		client.QuerySkuDetailsAsync(params, func(res status.Result, details []adapter.SkuDetails) {
			done(res, details)
		})
	})
}

// GetSkuDetails queries SKU details and waits for the answer.
func (c *Client) GetSkuDetails(ctx context.Context, params adapter.SkuDetailsParams, opts ...CallOption) ([]adapter.SkuDetails, error) {
	return c.GetSkuDetailsAsync(ctx, params, opts...).Wait(ctx)
}

// AcknowledgePurchaseAsync starts acknowledging a purchase on the loop.
func (c *Client) AcknowledgePurchaseAsync(ctx context.Context, params adapter.AcknowledgePurchaseParams, opts ...CallOption) *bridge.Task[struct{}] {
	return start(c, ctx, OpAcknowledge, true, opts, func(client adapter.BillingClient, done func(status.Result, struct{})) {
		client.AcknowledgePurchase(params, func(res status.Result) {
			done(res, struct{}{})
		})
	})
}

// AcknowledgePurchase acknowledges a purchase and waits for the answer.
func (c *Client) AcknowledgePurchase(ctx context.Context, params adapter.AcknowledgePurchaseParams, opts ...CallOption) error {
	_, err := c.AcknowledgePurchaseAsync(ctx, params, opts...).Wait(ctx)
	return err
}

// ConsumeAsync starts consuming a purchase on the loop. The task resolves to
// the consumed purchase token.
func (c *Client) ConsumeAsync(ctx context.Context, params adapter.ConsumeParams, opts ...CallOption) *bridge.Task[string] {
	return start(c, ctx, OpConsume, true, opts, func(client adapter.BillingClient, done func(status.Result, string)) {
		client.ConsumeAsync(params, func(res status.Result, purchaseToken string) {
			done(res, purchaseToken)
		})
	})
}

// Consume consumes a purchase and returns its token.
func (c *Client) Consume(ctx context.Context, params adapter.ConsumeParams, opts ...CallOption) (string, error) {
	return c.ConsumeAsync(ctx, params, opts...).Wait(ctx)
}

// LaunchPriceChangeAsync launches the price change confirmation flow on the
// loop. The task takes the first report of the flow; later reports are
// dropped. Use PriceChangeResults to observe every report.
func (c *Client) LaunchPriceChangeAsync(ctx context.Context, activity *adapter.Activity, params adapter.PriceChangeFlowParams, opts ...CallOption) *bridge.Task[struct{}] {
	return start(c, ctx, OpPriceChange, true, opts, func(client adapter.BillingClient, done func(status.Result, struct{})) {
		client.LaunchPriceChangeConfirmationFlow(activity, params, func(res status.Result) {
			done(res, struct{}{})
		})
	})
}

// LaunchPriceChange runs the price change confirmation flow and waits for its
// first report.
func (c *Client) LaunchPriceChange(ctx context.Context, activity *adapter.Activity, params adapter.PriceChangeFlowParams, opts ...CallOption) error {
	_, err := c.LaunchPriceChangeAsync(ctx, activity, params, opts...).Wait(ctx)
	return err
}

// PriceChangeResults launches the price change confirmation flow each time the
// sequence is ranged over and yields every OK report of the flow. A failure
// report, including UserCanceled, is yielded as the final error. The launch
// happens on the loop; the sequence can be consumed from any goroutine.
func (c *Client) PriceChangeResults(ctx context.Context, activity *adapter.Activity, params adapter.PriceChangeFlowParams, opts ...CallOption) iter.Seq2[status.Result, error] {
	loop := c.loopFor(true, opts)
	logger := c.logger.WithOperation(OpPriceChangeStream)
	return func(yield func(status.Result, error) bool) {
		ctx, span := c.tracer.Start(ctx, "billing."+OpPriceChangeStream, trace.WithAttributes(
			attribute.String("billing.operation", OpPriceChangeStream),
			attribute.Bool("billing.on_loop", loop != nil),
		))
		ctx = logging.NewContext(ctx, logger)

		var (
			reports int
			last    error
		)
		seq := bridge.Stream(ctx, OpPriceChangeStream, func(e *bridge.Emitter[status.Result]) error {
			launch := func(context.Context) error {
				client := adapter.Bind(e.Context(), c.client)
				client.LaunchPriceChangeConfirmationFlow(activity, params, func(res status.Result) {
					e.EmitResult(res, res)
				})
				return nil
			}
			if loop == nil {
				return launch(ctx)
			}
			err := loop.Call(e.Context(), launch)
			if err != nil && e.Context().Err() == nil && errors.Is(err, affinity.ErrContextUnavailable) {
				e.Fail(err)
				return nil
			}
			return err
		})
		for res, err := range seq {
			if err != nil {
				last = err
			} else {
				reports++
			}
			if !yield(res, err) {
				break
			}
		}
		span.SetAttributes(attribute.Int("billing.reports", reports))
		endSpan(span, logger, last)
	}
}

// LoadRewardedSkuAsync starts loading a rewarded SKU on the loop.
func (c *Client) LoadRewardedSkuAsync(ctx context.Context, params adapter.RewardLoadParams, opts ...CallOption) *bridge.Task[struct{}] {
	return start(c, ctx, OpRewardedSku, true, opts, func(client adapter.BillingClient, done func(status.Result, struct{})) {
		client.LoadRewardedSku(params, func(res status.Result) {
			done(res, struct{}{})
		})
	})
}

// LoadRewardedSku loads a rewarded SKU and waits for the answer.
func (c *Client) LoadRewardedSku(ctx context.Context, params adapter.RewardLoadParams, opts ...CallOption) error {
	_, err := c.LoadRewardedSkuAsync(ctx, params, opts...).Wait(ctx)
	return err
}

// GetPurchaseHistoryAsync starts a purchase history query. It has no affinity
// requirement and is initiated on the calling goroutine.
func (c *Client) GetPurchaseHistoryAsync(ctx context.Context, skuType adapter.SkuType, opts ...CallOption) *bridge.Task[[]adapter.PurchaseHistoryRecord] {
	return start(c, ctx, OpPurchaseHistory, false, opts, func(client adapter.BillingClient, done func(status.Result, []adapter.PurchaseHistoryRecord)) {
		client.QueryPurchaseHistoryAsync(skuType, func(res status.Result, records []adapter.PurchaseHistoryRecord) {
			done(res, records)
		})
	})
}

// GetPurchaseHistory queries purchase history and waits for the answer.
func (c *Client) GetPurchaseHistory(ctx context.Context, skuType adapter.SkuType, opts ...CallOption) ([]adapter.PurchaseHistoryRecord, error) {
	return c.GetPurchaseHistoryAsync(ctx, skuType, opts...).Wait(ctx)
}

// QueryPurchases returns the owned items of skuType. The underlying call is
// synchronous and runs on the calling goroutine.
func (c *Client) QueryPurchases(ctx context.Context, skuType adapter.SkuType) ([]adapter.Purchase, error) {
	_, span := c.tracer.Start(ctx, "billing."+OpQueryPurchases, trace.WithAttributes(
		attribute.String("billing.operation", OpQueryPurchases),
		attribute.String("billing.sku_type", string(skuType)),
	))
	logger := c.logger.WithOperation(OpQueryPurchases)

	out := adapter.Bind(ctx, c.client).QueryPurchases(skuType)
	err := status.ClassifyResult(out.Result).Err()
	span.SetAttributes(attribute.Int("billing.purchases", len(out.Purchases)))
	endSpan(span, logger, err)
	if err != nil {
		return nil, err
	}
	return out.Purchases, nil
}
