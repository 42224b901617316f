package planbuilder

import (
	"time"

	"github.com/yourorg/billing-bridge/internal/adapter"
)

// Action is the billing operation a step performs.
type Action string

const (
	ActionConsume     Action = "consume"
	ActionAcknowledge Action = "acknowledge"
)

// Step is one unit of work in a reconcile plan.
type Step struct {
	ID               string          `json:"stepId"`
	Action           Action          `json:"action"`
	Sku              string          `json:"productId"`
	SkuType          adapter.SkuType `json:"skuType"`
	PurchaseToken    string          `json:"purchaseToken"`
	DeveloperPayload string          `json:"developerPayload,omitempty"`
}

// Skipped records a purchase that needs no action, and why.
type Skipped struct {
	Sku           string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
	Reason        string `json:"reason"`
}

// Skip reasons.
const (
	ReasonPending       = "pending"
	ReasonAcknowledged  = "already acknowledged"
	ReasonDuplicate     = "duplicate purchase token"
	ReasonDryRun        = "dry run"
	ReasonMissingToken  = "missing purchase token"
	ReasonUnknownStatus = "unspecified purchase state"
)

// Plan is the ordered set of steps for one reconcile run.
type Plan struct {
	ID          string    `json:"planId"`
	ReconcileID string    `json:"reconcileId"`
	Steps       []Step    `json:"steps"`
	Skipped     []Skipped `json:"skipped,omitempty"`
}

// StepResult is the outcome of one attempt at a step.
type StepResult struct {
	StepID        string            `json:"stepId"`
	Action        Action            `json:"action"`
	Sku           string            `json:"productId"`
	PurchaseToken string            `json:"purchaseToken"`
	Success       bool              `json:"success"`
	ErrorCode     string            `json:"errorCode,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	Retryable     bool              `json:"retryable"`
	Attempt       int               `json:"attempt"`
	LatencyMs     int64             `json:"latencyMs"`
	CompletedAt   time.Time         `json:"completedAt"`
	Details       map[string]string `json:"details,omitempty"`
}
