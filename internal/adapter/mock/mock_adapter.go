package mock

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/billing-bridge/internal/adapter"
	"github.com/yourorg/billing-bridge/internal/status"
)

// MockClient is an in-memory implementation of adapter.BillingClient for
// tests and demo mode. Each method calls its Func field when set; otherwise
// it answers from the catalogue and purchases it was seeded with.
type MockClient struct {
	QuerySkuDetailsFunc      func(params adapter.SkuDetailsParams, listener adapter.SkuDetailsListener)
	AcknowledgePurchaseFunc  func(params adapter.AcknowledgePurchaseParams, listener adapter.AcknowledgeListener)
	ConsumeFunc              func(params adapter.ConsumeParams, listener adapter.ConsumeListener)
	LaunchPriceChangeFunc    func(activity *adapter.Activity, params adapter.PriceChangeFlowParams, listener adapter.PriceChangeListener)
	LoadRewardedSkuFunc      func(params adapter.RewardLoadParams, listener adapter.RewardResponseListener)
	QueryPurchaseHistoryFunc func(skuType adapter.SkuType, listener adapter.PurchaseHistoryListener)
	QueryPurchasesFunc       func(skuType adapter.SkuType) adapter.PurchasesResult

	// Async makes default answers arrive on a fresh goroutine after Latency.
	Async   bool
	Latency time.Duration

	mu        sync.Mutex
	catalogue map[string]adapter.SkuDetails
	purchases []adapter.Purchase
	history   map[adapter.SkuType][]adapter.PurchaseHistoryRecord
	calls     map[string]int
}

// NewMockClient creates a client seeded with catalogue entries.
func NewMockClient(catalogue ...adapter.SkuDetails) *MockClient {
	m := &MockClient{
		catalogue: make(map[string]adapter.SkuDetails),
		history:   make(map[adapter.SkuType][]adapter.PurchaseHistoryRecord),
		calls:     make(map[string]int),
	}
	for _, d := range catalogue {
		m.catalogue[d.Sku] = d
	}
	return m
}

// AddPurchase records an owned item and returns it with a generated token
// and order ID when those are empty.
func (m *MockClient) AddPurchase(p adapter.Purchase) adapter.Purchase {
	if p.PurchaseToken == "" {
		p.PurchaseToken = uuid.NewString()
	}
	if p.OrderID == "" {
		p.OrderID = "GPA." + uuid.NewString()
	}
	if p.PurchaseTime.IsZero() {
		p.PurchaseTime = time.Now().UTC()
	}
	if p.State == adapter.PurchaseStateUnspecified {
		p.State = adapter.PurchaseStatePurchased
	}
	if p.SkuType == "" {
		p.SkuType = adapter.SkuTypeInApp
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases = append(m.purchases, p)
	m.history[p.SkuType] = append(m.history[p.SkuType], adapter.PurchaseHistoryRecord{
		Sku:              p.Sku,
		PurchaseToken:    p.PurchaseToken,
		PurchaseTime:     p.PurchaseTime,
		DeveloperPayload: p.DeveloperPayload,
	})
	return p
}

// Purchases returns a copy of the currently owned items.
func (m *MockClient) Purchases() []adapter.Purchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]adapter.Purchase(nil), m.purchases...)
}

// Calls returns how many times the named method was invoked.
func (m *MockClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockClient) record(method string) {
	m.mu.Lock()
	m.calls[method]++
	m.mu.Unlock()
}

func (m *MockClient) deliver(fn func()) {
	if !m.Async {
		fn()
		return
	}
	go func() {
		if m.Latency > 0 {
			time.Sleep(m.Latency)
		}
		fn()
	}()
}

func ok() status.Result {
	return status.NewResult(status.OK, "")
}

// QuerySkuDetailsAsync implements adapter.BillingClient.
func (m *MockClient) QuerySkuDetailsAsync(params adapter.SkuDetailsParams, listener adapter.SkuDetailsListener) {
	m.record("QuerySkuDetailsAsync")
	if m.QuerySkuDetailsFunc != nil {
		m.QuerySkuDetailsFunc(params, listener)
		return
	}

	m.mu.Lock()
	var details []adapter.SkuDetails
	for _, sku := range params.Skus {
		if d, found := m.catalogue[sku]; found && (params.SkuType == "" || d.Type == params.SkuType) {
			details = append(details, d)
		}
	}
	m.mu.Unlock()

	m.deliver(func() { listener(ok(), details) })
}

// AcknowledgePurchase implements adapter.BillingClient.
func (m *MockClient) AcknowledgePurchase(params adapter.AcknowledgePurchaseParams, listener adapter.AcknowledgeListener) {
	m.record("AcknowledgePurchase")
	if m.AcknowledgePurchaseFunc != nil {
		m.AcknowledgePurchaseFunc(params, listener)
		return
	}

	res := status.NewResult(status.ItemNotOwned, "no purchase for token")
	m.mu.Lock()
	for i := range m.purchases {
		if m.purchases[i].PurchaseToken == params.PurchaseToken {
			m.purchases[i].Acknowledged = true
			res = ok()
			break
		}
	}
	m.mu.Unlock()

	m.deliver(func() { listener(res) })
}

// ConsumeAsync implements adapter.BillingClient.
func (m *MockClient) ConsumeAsync(params adapter.ConsumeParams, listener adapter.ConsumeListener) {
	m.record("ConsumeAsync")
	if m.ConsumeFunc != nil {
		m.ConsumeFunc(params, listener)
		return
	}

	res := status.NewResult(status.ItemNotOwned, "no purchase for token")
	m.mu.Lock()
	for i, p := range m.purchases {
		if p.PurchaseToken == params.PurchaseToken {
			m.purchases = append(m.purchases[:i], m.purchases[i+1:]...)
			res = ok()
			break
		}
	}
	m.mu.Unlock()

	m.deliver(func() { listener(res, params.PurchaseToken) })
}

// LaunchPriceChangeConfirmationFlow implements adapter.BillingClient.
func (m *MockClient) LaunchPriceChangeConfirmationFlow(activity *adapter.Activity, params adapter.PriceChangeFlowParams, listener adapter.PriceChangeListener) {
	m.record("LaunchPriceChangeConfirmationFlow")
	if m.LaunchPriceChangeFunc != nil {
		m.LaunchPriceChangeFunc(activity, params, listener)
		return
	}
	if activity == nil {
		m.deliver(func() { listener(status.NewResult(status.DeveloperError, "activity required")) })
		return
	}
	if params.SkuDetails.Type != adapter.SkuTypeSubs {
		m.deliver(func() { listener(status.NewResult(status.DeveloperError, "price change requires a subscription")) })
		return
	}
	m.deliver(func() { listener(ok()) })
}

// LoadRewardedSku implements adapter.BillingClient.
func (m *MockClient) LoadRewardedSku(params adapter.RewardLoadParams, listener adapter.RewardResponseListener) {
	m.record("LoadRewardedSku")
	if m.LoadRewardedSkuFunc != nil {
		m.LoadRewardedSkuFunc(params, listener)
		return
	}

	m.mu.Lock()
	d, found := m.catalogue[params.SkuDetails.Sku]
	m.mu.Unlock()

	res := ok()
	switch {
	case !found:
		res = status.NewResult(status.ItemUnavailable, "unknown sku")
	case !d.Rewarded:
		res = status.NewResult(status.DeveloperError, "sku is not rewarded")
	}
	m.deliver(func() { listener(res) })
}

// QueryPurchaseHistoryAsync implements adapter.BillingClient.
func (m *MockClient) QueryPurchaseHistoryAsync(skuType adapter.SkuType, listener adapter.PurchaseHistoryListener) {
	m.record("QueryPurchaseHistoryAsync")
	if m.QueryPurchaseHistoryFunc != nil {
		m.QueryPurchaseHistoryFunc(skuType, listener)
		return
	}

	m.mu.Lock()
	records := append([]adapter.PurchaseHistoryRecord(nil), m.history[skuType]...)
	m.mu.Unlock()

	m.deliver(func() { listener(ok(), records) })
}

// QueryPurchases implements adapter.BillingClient.
func (m *MockClient) QueryPurchases(skuType adapter.SkuType) adapter.PurchasesResult {
	m.record("QueryPurchases")
	if m.QueryPurchasesFunc != nil {
		return m.QueryPurchasesFunc(skuType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var owned []adapter.Purchase
	for _, p := range m.purchases {
		if p.SkuType == skuType {
			owned = append(owned, p)
		}
	}
	return adapter.PurchasesResult{Result: ok(), Purchases: owned}
}

var _ adapter.BillingClient = (*MockClient)(nil)
