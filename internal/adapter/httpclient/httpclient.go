// Package httpclient implements adapter.BillingClient over a REST billing
// service. Every asynchronous method performs its request on a new goroutine
// and invokes the listener from there, so listeners never run on the caller's
// goroutine.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/billing-bridge/internal/adapter"
	"github.com/yourorg/billing-bridge/internal/logging"
	"github.com/yourorg/billing-bridge/internal/status"
)

const (
	defaultRetryAttempts = 2
	defaultRetryDelay    = 500 * time.Millisecond
	defaultTimeout       = 10 * time.Second
)

// Client talks to the billing service at baseURL.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	retryAttempts int
	retryDelay    time.Duration
	logger        *logging.Logger
	ctx           context.Context
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetry sets how many times 429 and 5xx responses are retried, and the
// delay between attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts >= 0 {
			c.retryAttempts = attempts
		}
		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrNop(logger)
	}
}

// New creates a Client.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{Timeout: defaultTimeout},
		baseURL:       baseURL,
		apiKey:        apiKey,
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
		logger:        logging.Nop(),
		ctx:           context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("httpclient")
	return c
}

// WithContext returns a copy of the client whose requests are cancelled when
// ctx ends. A cancelled request still reports to its listener.
func (c *Client) WithContext(ctx context.Context) adapter.BillingClient {
	cp := *c
	cp.ctx = ctx
	return &cp
}

// idempotencyKey makes a unique key for a mutating request. The same key is
// sent on every retry of that request.
func idempotencyKey(operation string) string {
	return operation + "-" + uuid.NewString()
}

// envelope is the response body shared by every endpoint.
type envelope struct {
	BillingResult   *status.Result                  `json:"billingResult"`
	SkuDetails      []adapter.SkuDetails            `json:"skuDetails,omitempty"`
	PurchaseToken   string                          `json:"purchaseToken,omitempty"`
	Purchases       []adapter.Purchase              `json:"purchases,omitempty"`
	PurchaseHistory []adapter.PurchaseHistoryRecord `json:"purchaseHistory,omitempty"`
}

type request struct {
	operation string
	method    string
	path      string
	query     url.Values
	body      any
	activity  string
}

// do performs req with retries and maps the outcome to a billing result.
// It never returns a Go error: every failure becomes a status code.
func (c *Client) do(req request) (status.Result, envelope) {
	ctx := c.ctx
	var env envelope

	var payload []byte
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return status.NewResult(status.DeveloperError, fmt.Sprintf("encoding request: %v", err)), env
		}
		payload = b
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	key := ""
	if req.method == http.MethodPost {
		key = idempotencyKey(req.operation)
	}

	var (
		resp    *http.Response
		body    []byte
		lastErr error
	)
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return contextResult(ctx.Err()), env
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.method, target, bytes.NewReader(payload))
		if err != nil {
			return status.NewResult(status.DeveloperError, fmt.Sprintf("building request: %v", err)), env
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Accept", "application/json")
		if payload != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if key != "" {
			httpReq.Header.Set("Idempotency-Key", key)
		}
		if req.activity != "" {
			httpReq.Header.Set("X-Activity", req.activity)
		}

		resp, err = c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return contextResult(ctx.Err()), env
			}
			lastErr = fmt.Errorf("httpclient: %s attempt %d: %w", req.operation, attempt+1, err)
			c.logger.Warn("request failed", "operation", req.operation, "attempt", attempt+1, "error", err)
			continue
		}

		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("httpclient: reading %s response: %w", req.operation, err)
			resp = nil
			continue
		}

		if retryable(resp.StatusCode) && attempt < c.retryAttempts {
			c.logger.Warn("retryable response", "operation", req.operation, "attempt", attempt+1, "http_status", resp.StatusCode)
			continue
		}
		break
	}

	if resp == nil {
		msg := "no response"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		return status.NewResult(status.ServiceDisconnected, msg), env
	}

	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil && resp.StatusCode < 300 {
			return status.NewResult(status.Error, fmt.Sprintf("decoding %s response: %v", req.operation, err)), envelope{}
		}
	}
	if env.BillingResult != nil {
		return *env.BillingResult, env
	}
	return resultForHTTPStatus(resp.StatusCode, body), env
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func contextResult(err error) status.Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return status.NewResult(status.ServiceTimeout, err.Error())
	}
	return status.NewResult(status.ServiceDisconnected, err.Error())
}

// resultForHTTPStatus covers responses that carry no billing result.
func resultForHTTPStatus(code int, body []byte) status.Result {
	msg := fmt.Sprintf("HTTP %d", code)
	if len(body) > 0 {
		msg = fmt.Sprintf("HTTP %d: %s", code, bytes.TrimSpace(body))
	}
	switch {
	case code >= 200 && code < 300:
		return status.NewResult(status.OK, "")
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return status.NewResult(status.BillingUnavailable, msg)
	case code == http.StatusNotFound:
		return status.NewResult(status.ItemUnavailable, msg)
	case code == http.StatusConflict:
		return status.NewResult(status.ItemAlreadyOwned, msg)
	case code == http.StatusNotImplemented:
		return status.NewResult(status.FeatureNotSupported, msg)
	case code == http.StatusGatewayTimeout:
		return status.NewResult(status.ServiceTimeout, msg)
	case retryable(code):
		return status.NewResult(status.ServiceUnavailable, msg)
	case code >= 400 && code < 500:
		return status.NewResult(status.DeveloperError, msg)
	default:
		return status.NewResult(status.Error, msg)
	}
}

// QuerySkuDetailsAsync implements adapter.BillingClient.
func (c *Client) QuerySkuDetailsAsync(params adapter.SkuDetailsParams, listener adapter.SkuDetailsListener) {
	go func() {
		res, env := c.do(request{operation: "skuDetails", method: http.MethodPost, path: "/skuDetails", body: params})
		listener(res, env.SkuDetails)
	}()
}

// AcknowledgePurchase implements adapter.BillingClient.
func (c *Client) AcknowledgePurchase(params adapter.AcknowledgePurchaseParams, listener adapter.AcknowledgeListener) {
	go func() {
		res, _ := c.do(request{operation: "acknowledge", method: http.MethodPost, path: "/purchases/acknowledge", body: params})
		listener(res)
	}()
}

// ConsumeAsync implements adapter.BillingClient.
func (c *Client) ConsumeAsync(params adapter.ConsumeParams, listener adapter.ConsumeListener) {
	go func() {
		res, env := c.do(request{operation: "consume", method: http.MethodPost, path: "/purchases/consume", body: params})
		token := env.PurchaseToken
		if token == "" {
			token = params.PurchaseToken
		}
		listener(res, token)
	}()
}

// LaunchPriceChangeConfirmationFlow implements adapter.BillingClient. The
// service runs the confirmation and answers once.
func (c *Client) LaunchPriceChangeConfirmationFlow(activity *adapter.Activity, params adapter.PriceChangeFlowParams, listener adapter.PriceChangeListener) {
	if activity == nil {
		go listener(status.NewResult(status.DeveloperError, "activity required"))
		return
	}
	go func() {
		res, _ := c.do(request{
			operation: "priceChange",
			method:    http.MethodPost,
			path:      "/subscriptions/priceChange",
			body:      params,
			activity:  activity.Name,
		})
		listener(res)
	}()
}

// LoadRewardedSku implements adapter.BillingClient.
func (c *Client) LoadRewardedSku(params adapter.RewardLoadParams, listener adapter.RewardResponseListener) {
	go func() {
		res, _ := c.do(request{operation: "loadRewarded", method: http.MethodPost, path: "/rewarded/load", body: params})
		listener(res)
	}()
}

// QueryPurchaseHistoryAsync implements adapter.BillingClient.
func (c *Client) QueryPurchaseHistoryAsync(skuType adapter.SkuType, listener adapter.PurchaseHistoryListener) {
	go func() {
		res, env := c.do(request{
			operation: "purchaseHistory",
			method:    http.MethodGet,
			path:      "/purchaseHistory",
			query:     url.Values{"skuType": {string(skuType)}},
		})
		listener(res, env.PurchaseHistory)
	}()
}

// QueryPurchases implements adapter.BillingClient. It blocks on the request.
func (c *Client) QueryPurchases(skuType adapter.SkuType) adapter.PurchasesResult {
	res, env := c.do(request{
		operation: "purchases",
		method:    http.MethodGet,
		path:      "/purchases",
		query:     url.Values{"skuType": {string(skuType)}},
	})
	return adapter.PurchasesResult{Result: res, Purchases: env.Purchases}
}

var (
	_ adapter.BillingClient = (*Client)(nil)
	_ adapter.ContextBinder = (*Client)(nil)
)
