package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourorg/billing-bridge/internal/adapter"
	"github.com/yourorg/billing-bridge/internal/affinity"
	"github.com/yourorg/billing-bridge/internal/bridge"
	"github.com/yourorg/billing-bridge/internal/callctx"
	"github.com/yourorg/billing-bridge/internal/logging"
	"github.com/yourorg/billing-bridge/internal/monitor"
	"github.com/yourorg/billing-bridge/internal/reporting"
	"github.com/yourorg/billing-bridge/internal/status"
)

func setupRouter(a *app) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("billing-bridge"))

	r.GET("/healthz", a.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/sku-details", a.skuDetailsHandler)
	v1.POST("/consume", a.consumeHandler)
	v1.POST("/acknowledge", a.acknowledgeHandler)
	v1.POST("/rewarded-sku", a.rewardedSkuHandler)
	v1.POST("/price-change", a.priceChangeHandler)
	v1.GET("/purchase-history/:skuType", a.purchaseHistoryHandler)
	v1.GET("/purchases/:skuType", a.purchasesHandler)
	v1.POST("/reconcile", a.reconcileHandler)
	v1.GET("/retrospective", a.retrospectiveHandler)
	return r
}

// requestContext attaches the app logger to the request context so tasks log
// under the request.
func (a *app) requestContext(c *gin.Context) context.Context {
	return logging.NewContext(c.Request.Context(), a.logger.With("path", c.FullPath()))
}

// bind validates the body against schema and decodes it into dst. It writes
// the 400 response itself and reports whether the handler should go on.
func (a *app) bind(c *gin.Context, schema string, dst any) bool {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return false
	}
	cm, ok := a.schemas.Get(schema)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no schema for request"})
		return false
	}
	valid, validationErrs, err := cm.Validate(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return false
	}
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": monitor.FormatErrors(validationErrs)})
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return false
	}
	return true
}

// writeError maps a bridged failure to an HTTP response.
func (a *app) writeError(c *gin.Context, err error) {
	var regErr *bridge.RegistrationError
	switch re, typed := status.AsResultError(err); {
	case typed:
		c.JSON(http.StatusBadGateway, gin.H{
			"code":     int(re.Code()),
			"codeName": re.Code().String(),
			"message":  re.Result.DebugMessage,
		})
	case errors.Is(err, affinity.ErrContextUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, bridge.ErrAbandoned):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.As(err, &regErr):
		a.logger.Error("registration failed", "operation", regErr.Operation, "error", regErr.Err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		a.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func skuTypeParam(c *gin.Context) (adapter.SkuType, bool) {
	st := adapter.SkuType(c.Param("skuType"))
	if !st.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed: unsupported sku type " + string(st)})
		return "", false
	}
	return st, true
}

func (a *app) healthHandler(c *gin.Context) {
	breakers := make(map[string]string)
	for key, state := range a.breaker.Snapshot() {
		breakers[key] = state.String()
	}
	code := http.StatusOK
	health := "ok"
	if !a.loop.IsRunning() {
		code = http.StatusServiceUnavailable
		health = "loop stopped"
	}
	c.JSON(code, gin.H{"status": health, "loop": a.loop.Name(), "breakers": breakers})
}

func (a *app) skuDetailsHandler(c *gin.Context) {
	var params adapter.SkuDetailsParams
	if !a.bind(c, monitor.SchemaSkuDetails, &params) {
		return
	}
	details, err := a.client.GetSkuDetails(a.requestContext(c), params)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if details == nil {
		details = []adapter.SkuDetails{}
	}
	c.JSON(http.StatusOK, gin.H{"skuDetails": details})
}

func (a *app) consumeHandler(c *gin.Context) {
	var params adapter.ConsumeParams
	if !a.bind(c, monitor.SchemaPurchaseToken, &params) {
		return
	}
	token, err := a.client.Consume(a.requestContext(c), params)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchaseToken": token})
}

func (a *app) acknowledgeHandler(c *gin.Context) {
	var params adapter.AcknowledgePurchaseParams
	if !a.bind(c, monitor.SchemaPurchaseToken, &params) {
		return
	}
	if err := a.client.AcknowledgePurchase(a.requestContext(c), params); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true, "purchaseToken": params.PurchaseToken})
}

func (a *app) rewardedSkuHandler(c *gin.Context) {
	var params adapter.RewardLoadParams
	if !a.bind(c, monitor.SchemaRewardedSku, &params) {
		return
	}
	if err := a.client.LoadRewardedSku(a.requestContext(c), params); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": true, "productId": params.SkuDetails.Sku})
}

type priceChangeRequest struct {
	Activity   string             `json:"activity"`
	SkuDetails adapter.SkuDetails `json:"skuDetails"`
}

func (a *app) priceChangeHandler(c *gin.Context) {
	var req priceChangeRequest
	if !a.bind(c, monitor.SchemaPriceChange, &req) {
		return
	}
	err := a.client.LaunchPriceChange(a.requestContext(c), &adapter.Activity{Name: req.Activity},
		adapter.PriceChangeFlowParams{SkuDetails: req.SkuDetails})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"confirmed": true, "productId": req.SkuDetails.Sku})
}

func (a *app) purchaseHistoryHandler(c *gin.Context) {
	st, ok := skuTypeParam(c)
	if !ok {
		return
	}
	records, err := a.client.GetPurchaseHistory(a.requestContext(c), st)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if records == nil {
		records = []adapter.PurchaseHistoryRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"purchaseHistory": records})
}

func (a *app) purchasesHandler(c *gin.Context) {
	st, ok := skuTypeParam(c)
	if !ok {
		return
	}
	purchases, err := a.client.QueryPurchases(a.requestContext(c), st)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if purchases == nil {
		purchases = []adapter.Purchase{}
	}
	c.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

func (a *app) reconcileHandler(c *gin.Context) {
	var req callctx.Request
	if !a.bind(c, monitor.SchemaReconcile, &req) {
		return
	}
	res, err := a.reconciler.Reconcile(a.requestContext(c), &req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.reporter.Record(reporting.EntriesFrom(res)...)
	c.JSON(http.StatusOK, res)
}

func (a *app) retrospectiveHandler(c *gin.Context) {
	c.JSON(http.StatusOK, a.reporter.Report())
}
