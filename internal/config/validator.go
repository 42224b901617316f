package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/yourorg/billing-bridge/internal/policy"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "reconcile.max_attempts")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidBillingModes returns the list of valid billing client modes
func ValidBillingModes() []string {
	return []string{BillingModeMock, BillingModeHTTP}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateBilling()...)
	errors = append(errors, c.validateLoop()...)
	errors = append(errors, c.validateReconcile()...)

	if c.Reporting.RetainEntries < 0 {
		errors = append(errors, ValidationError{
			Field:   "reporting.retain_entries",
			Value:   c.Reporting.RetainEntries,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must not be empty",
		})
	}
	if c.Server.ShutdownTimeoutMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.shutdown_timeout_ms",
			Value:   c.Server.ShutdownTimeoutMs,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		return []ValidationError{{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		}}
	}
	return nil
}

func (c *Config) validateBilling() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidBillingModes(), c.Billing.Mode) {
		errors = append(errors, ValidationError{
			Field:   "billing.mode",
			Value:   c.Billing.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBillingModes(), ", ")),
		})
	}

	if c.Billing.Mode == BillingModeHTTP {
		if u, err := url.Parse(c.Billing.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "billing.base_url",
				Value:   c.Billing.BaseURL,
				Message: "must be an absolute URL in http mode",
			})
		}
	}

	if c.Billing.RetryAttempts < 0 {
		errors = append(errors, ValidationError{
			Field:   "billing.retry_attempts",
			Value:   c.Billing.RetryAttempts,
			Message: "must be non-negative",
		})
	}
	if c.Billing.RetryDelayMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "billing.retry_delay_ms",
			Value:   c.Billing.RetryDelayMs,
			Message: "must be non-negative",
		})
	}
	if c.Billing.MockLatencyMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "billing.mock_latency_ms",
			Value:   c.Billing.MockLatencyMs,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateLoop() []ValidationError {
	var errors []ValidationError

	if c.Loop.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "loop.name",
			Value:   c.Loop.Name,
			Message: "must not be empty",
		})
	}
	if c.Loop.QueueSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "loop.queue_size",
			Value:   c.Loop.QueueSize,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateReconcile() []ValidationError {
	var errors []ValidationError
	r := c.Reconcile

	if r.Concurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.concurrency",
			Value:   r.Concurrency,
			Message: "must be at least 1",
		})
	}

	const maxAttemptsLimit = 10
	if r.MaxAttempts < 1 || r.MaxAttempts > maxAttemptsLimit {
		errors = append(errors, ValidationError{
			Field:   "reconcile.max_attempts",
			Value:   r.MaxAttempts,
			Message: fmt.Sprintf("must be between 1 and %d", maxAttemptsLimit),
		})
	}

	for field, v := range map[string]int64{
		"reconcile.backoff_ms":               int64(r.BackoffMs),
		"reconcile.budget_ms":                r.BudgetMs,
		"reconcile.step_timeout_ms":          int64(r.StepTimeoutMs),
		"reconcile.breaker_reset_timeout_ms": int64(r.BreakerResetTimeoutMs),
	} {
		if v < 0 {
			errors = append(errors, ValidationError{Field: field, Value: v, Message: "must be non-negative"})
		}
	}

	if r.RatePerSecond < 0 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.rate_per_second",
			Value:   r.RatePerSecond,
			Message: "must be non-negative (0 disables the limit)",
		})
	}
	if r.RatePerSecond > 0 && r.RateBurst < 1 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.rate_burst",
			Value:   r.RateBurst,
			Message: "must be at least 1 when a rate is set",
		})
	}
	if r.BreakerFailureThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.breaker_failure_threshold",
			Value:   r.BreakerFailureThreshold,
			Message: "must be at least 1",
		})
	}

	if len(r.Rules) > 0 {
		if _, err := policy.NewPolicyEnforcer(r.Rules); err != nil {
			errors = append(errors, ValidationError{
				Field:   "reconcile.rules",
				Value:   len(r.Rules),
				Message: err.Error(),
			})
		}
	}

	slices.SortFunc(errors, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errors
}
