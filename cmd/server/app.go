package main

import (
	"context"
	"fmt"
	"time"

	"github.com/yourorg/billing-bridge/internal/adapter"
	"github.com/yourorg/billing-bridge/internal/adapter/httpclient"
	adaptermock "github.com/yourorg/billing-bridge/internal/adapter/mock"
	"github.com/yourorg/billing-bridge/internal/affinity"
	"github.com/yourorg/billing-bridge/internal/billing"
	"github.com/yourorg/billing-bridge/internal/callctx"
	"github.com/yourorg/billing-bridge/internal/config"
	"github.com/yourorg/billing-bridge/internal/logging"
	"github.com/yourorg/billing-bridge/internal/monitor"
	"github.com/yourorg/billing-bridge/internal/orchestrator"
	"github.com/yourorg/billing-bridge/internal/planbuilder"
	"github.com/yourorg/billing-bridge/internal/policy"
	"github.com/yourorg/billing-bridge/internal/processor"
	"github.com/yourorg/billing-bridge/internal/reporting"
	"github.com/yourorg/billing-bridge/internal/router"
	"github.com/yourorg/billing-bridge/internal/router/circuitbreaker"
)

// app holds everything the HTTP handlers need.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	loop       *affinity.Loop
	client     *billing.Client
	breaker    *circuitbreaker.CircuitBreaker
	reconciler *orchestrator.Reconciler
	reporter   *reporting.RetrospectiveReporter
	schemas    *monitor.Registry
}

// newApp wires the billing client and the reconcile pipeline. The loop is
// started before newApp returns; call close to stop it.
func newApp(cfg *config.Config, logger *logging.Logger, bc adapter.BillingClient) (*app, error) {
	schemas, err := monitor.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("loading request schemas: %w", err)
	}

	rules := cfg.Reconcile.PolicyRules()
	pe, err := policy.NewPolicyEnforcer(rules)
	if err != nil {
		return nil, fmt.Errorf("initializing policy enforcer: %w", err)
	}

	loop := affinity.New(cfg.Loop.Name, affinity.WithQueueSize(cfg.Loop.QueueSize), affinity.WithLogger(logger))
	if err := loop.Start(); err != nil {
		return nil, fmt.Errorf("starting loop %s: %w", cfg.Loop.Name, err)
	}

	client := billing.New(bc, billing.WithLoop(loop), billing.WithLogger(logger))
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		FailureThreshold: cfg.Reconcile.BreakerFailureThreshold,
		ResetTimeout:     cfg.Reconcile.BreakerResetTimeout(),
	})
	proc := processor.NewProcessor(client,
		processor.WithRateLimit(cfg.Reconcile.RatePerSecond, cfg.Reconcile.RateBurst),
		processor.WithLogger(logger),
	)
	orch := orchestrator.NewOrchestrator(router.NewRouter(proc, breaker, logger), pe,
		orchestrator.WithConcurrency(cfg.Reconcile.Concurrency),
		orchestrator.WithLogger(logger),
	)
	builder := callctx.NewBuilder(callctx.ReconcileContext{
		Timeout: callctx.TimeoutConfig{
			OverallBudget: cfg.Reconcile.Budget(),
			StepTimeout:   cfg.Reconcile.StepTimeout(),
		},
		Retry: callctx.RetryPolicy{
			MaxAttempts: cfg.Reconcile.MaxAttempts,
			Backoff:     cfg.Reconcile.Backoff(),
		},
	})

	logger.Info("billing bridge initialized",
		"billing_mode", cfg.Billing.Mode,
		"loop", cfg.Loop.Name,
		"policy_rules", len(rules),
	)

	return &app{
		cfg:        cfg,
		logger:     logger,
		loop:       loop,
		client:     client,
		breaker:    breaker,
		reconciler: orchestrator.NewReconciler(builder, client, planbuilder.NewPlanBuilder(nil), orch),
		reporter:   reporting.NewRetrospectiveReporter(cfg.Reporting.RetainEntries),
		schemas:    schemas,
	}, nil
}

func (a *app) close(ctx context.Context) error {
	return a.loop.Stop(ctx)
}

// billingClientFor builds the underlying client selected by cfg.
func billingClientFor(cfg config.BillingConfig, logger *logging.Logger) adapter.BillingClient {
	if cfg.Mode == config.BillingModeHTTP {
		return httpclient.New(cfg.BaseURL, cfg.APIKey,
			httpclient.WithRetry(cfg.RetryAttempts, cfg.RetryDelay()),
			httpclient.WithLogger(logger),
		)
	}
	return demoClient(cfg.MockLatency())
}

// demoClient returns an in-memory client with a small catalogue and two
// purchases awaiting reconciliation.
func demoClient(latency time.Duration) *adaptermock.MockClient {
	m := adaptermock.NewMockClient(
		adapter.SkuDetails{Sku: "coins_100", Type: adapter.SkuTypeInApp, Title: "100 coins", Price: "$0.99", PriceAmountMicros: 990000, PriceCurrencyCode: "USD"},
		adapter.SkuDetails{Sku: "remove_ads", Type: adapter.SkuTypeInApp, Title: "Remove ads", Price: "$2.99", PriceAmountMicros: 2990000, PriceCurrencyCode: "USD"},
		adapter.SkuDetails{Sku: "gold_monthly", Type: adapter.SkuTypeSubs, Title: "Gold", Price: "$4.99", PriceAmountMicros: 4990000, PriceCurrencyCode: "USD"},
		adapter.SkuDetails{Sku: "bonus_video", Type: adapter.SkuTypeInApp, Title: "Bonus", Rewarded: true},
	)
	m.Async = true
	m.Latency = latency
	m.AddPurchase(adapter.Purchase{Sku: "coins_100", Consumable: true})
	m.AddPurchase(adapter.Purchase{Sku: "remove_ads"})
	return m
}
