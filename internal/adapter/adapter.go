// Package adapter defines the callback-based billing client the rest of the
// module adapts, together with the request and payload types it passes
// through. Implementations live in subpackages: mock for tests and demo mode,
// httpclient for a REST billing service.
//
// Every asynchronous method reports exactly one outcome to its listener,
// possibly from another goroutine, and the listener may be invoked before the
// method returns. Payload types are opaque to the bridge; they are carried
// unchanged between the client and the caller.
package adapter

import (
	"context"
	"time"

	"github.com/yourorg/billing-bridge/internal/status"
)

// SkuType selects the product catalogue a query runs against.
type SkuType string

const (
	SkuTypeInApp SkuType = "inapp"
	SkuTypeSubs  SkuType = "subs"
)

// Valid reports whether t is a known SKU type.
func (t SkuType) Valid() bool {
	return t == SkuTypeInApp || t == SkuTypeSubs
}

// SkuDetailsParams selects the SKUs to describe.
type SkuDetailsParams struct {
	SkuType SkuType  `json:"skuType"`
	Skus    []string `json:"skus"`
}

// SkuDetails describes one purchasable product.
type SkuDetails struct {
	Sku               string  `json:"productId"`
	Type              SkuType `json:"type"`
	Title             string  `json:"title,omitempty"`
	Description       string  `json:"description,omitempty"`
	Price             string  `json:"price,omitempty"`
	PriceAmountMicros int64   `json:"price_amount_micros,omitempty"`
	PriceCurrencyCode string  `json:"price_currency_code,omitempty"`
	Rewarded          bool    `json:"rewarded,omitempty"`
}

// AcknowledgePurchaseParams identifies a purchase to acknowledge.
type AcknowledgePurchaseParams struct {
	PurchaseToken    string `json:"purchaseToken"`
	DeveloperPayload string `json:"developerPayload,omitempty"`
}

// ConsumeParams identifies a purchase to consume.
type ConsumeParams struct {
	PurchaseToken    string `json:"purchaseToken"`
	DeveloperPayload string `json:"developerPayload,omitempty"`
}

// PriceChangeFlowParams names the subscription whose price change the user
// is asked to confirm.
type PriceChangeFlowParams struct {
	SkuDetails SkuDetails `json:"skuDetails"`
}

// RewardLoadParams names the rewarded SKU to load.
type RewardLoadParams struct {
	SkuDetails SkuDetails `json:"skuDetails"`
}

// PurchaseState is the lifecycle state of a purchase.
type PurchaseState int

const (
	PurchaseStateUnspecified PurchaseState = iota
	PurchaseStatePurchased
	PurchaseStatePending
)

func (s PurchaseState) String() string {
	switch s {
	case PurchaseStatePurchased:
		return "purchased"
	case PurchaseStatePending:
		return "pending"
	default:
		return "unspecified"
	}
}

// Purchase is an owned item as reported by QueryPurchases.
type Purchase struct {
	OrderID          string        `json:"orderId"`
	Sku              string        `json:"productId"`
	SkuType          SkuType       `json:"skuType"`
	PurchaseToken    string        `json:"purchaseToken"`
	PurchaseTime     time.Time     `json:"purchaseTime"`
	State            PurchaseState `json:"purchaseState"`
	Acknowledged     bool          `json:"acknowledged"`
	Consumable       bool          `json:"consumable"`
	DeveloperPayload string        `json:"developerPayload,omitempty"`
}

// PurchaseHistoryRecord is the most recent purchase of a SKU, including
// expired, cancelled and consumed ones.
type PurchaseHistoryRecord struct {
	Sku              string    `json:"productId"`
	PurchaseToken    string    `json:"purchaseToken"`
	PurchaseTime     time.Time `json:"purchaseTime"`
	DeveloperPayload string    `json:"developerPayload,omitempty"`
}

// PurchasesResult is returned synchronously by QueryPurchases.
type PurchasesResult struct {
	Result    status.Result `json:"billingResult"`
	Purchases []Purchase    `json:"purchases"`
}

// Activity is a handle to the foreground surface that hosts interactive
// flows. The client uses it to present confirmation screens.
type Activity struct {
	Name string
}

// Listener types, one per asynchronous method.
type (
	SkuDetailsListener      func(res status.Result, details []SkuDetails)
	AcknowledgeListener     func(res status.Result)
	ConsumeListener         func(res status.Result, purchaseToken string)
	PriceChangeListener     func(res status.Result)
	RewardResponseListener  func(res status.Result)
	PurchaseHistoryListener func(res status.Result, records []PurchaseHistoryRecord)
)

// BillingClient is the callback-invoking client. Implementations call each
// listener once per method call, with one exception: the price change
// listener reports every confirmation screen of the flow and may fire
// repeatedly until a failure, such as UserCanceled, ends it. Extra invocations
// of any other listener are tolerated by callers but ignored.
type BillingClient interface {
	QuerySkuDetailsAsync(params SkuDetailsParams, listener SkuDetailsListener)
	AcknowledgePurchase(params AcknowledgePurchaseParams, listener AcknowledgeListener)
	ConsumeAsync(params ConsumeParams, listener ConsumeListener)
	LaunchPriceChangeConfirmationFlow(activity *Activity, params PriceChangeFlowParams, listener PriceChangeListener)
	LoadRewardedSku(params RewardLoadParams, listener RewardResponseListener)
	QueryPurchaseHistoryAsync(skuType SkuType, listener PurchaseHistoryListener)
	QueryPurchases(skuType SkuType) PurchasesResult
}

// ContextBinder is implemented by clients that can abandon in-flight work.
// WithContext returns a view of the client whose calls stop when ctx ends;
// a listener whose call was cut short may still be invoked, with a failure.
type ContextBinder interface {
	WithContext(ctx context.Context) BillingClient
}

// Bind returns client scoped to ctx when it supports it, or client itself.
func Bind(ctx context.Context, client BillingClient) BillingClient {
	if b, ok := client.(ContextBinder); ok && ctx != nil {
		return b.WithContext(ctx)
	}
	return client
}
