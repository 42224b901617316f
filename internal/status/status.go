// Package status classifies the result codes delivered by the billing client
// alongside every callback. Exactly one code, OK, means success; every other
// value, recognised or not, is a failure that carries the original code and
// debug message verbatim.
package status

import (
	"errors"
	"fmt"
)

// Code is the response code reported by the billing client.
type Code int

const (
	ServiceTimeout      Code = -3
	FeatureNotSupported Code = -2
	ServiceDisconnected Code = -1
	OK                  Code = 0
	UserCanceled        Code = 1
	ServiceUnavailable  Code = 2
	BillingUnavailable  Code = 3
	ItemUnavailable     Code = 4
	DeveloperError      Code = 5
	Error               Code = 6
	ItemAlreadyOwned    Code = 7
	ItemNotOwned        Code = 8
)

var codeNames = map[Code]string{
	ServiceTimeout:      "SERVICE_TIMEOUT",
	FeatureNotSupported: "FEATURE_NOT_SUPPORTED",
	ServiceDisconnected: "SERVICE_DISCONNECTED",
	OK:                  "OK",
	UserCanceled:        "USER_CANCELED",
	ServiceUnavailable:  "SERVICE_UNAVAILABLE",
	BillingUnavailable:  "BILLING_UNAVAILABLE",
	ItemUnavailable:     "ITEM_UNAVAILABLE",
	DeveloperError:      "DEVELOPER_ERROR",
	Error:               "ERROR",
	ItemAlreadyOwned:    "ITEM_ALREADY_OWNED",
	ItemNotOwned:        "ITEM_NOT_OWNED",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// IsRetryable reports whether a failure with this code is transient.
func IsRetryable(c Code) bool {
	switch c {
	case ServiceTimeout, ServiceDisconnected, ServiceUnavailable, Error:
		return true
	default:
		return false
	}
}

// Result is the status the client hands to every callback.
type Result struct {
	Code         Code   `json:"responseCode"`
	DebugMessage string `json:"debugMessage"`
}

// NewResult builds a Result.
func NewResult(code Code, message string) Result {
	return Result{Code: code, DebugMessage: message}
}

// IsOK reports whether the result carries the success sentinel.
func (r Result) IsOK() bool {
	return r.Code == OK
}

// Kind is the classification of a Result.
type Kind int

const (
	Success Kind = iota
	Failure
)

func (k Kind) String() string {
	if k == Success {
		return "success"
	}
	return "failure"
}

// Outcome is the classified form of a client result.
type Outcome struct {
	Kind    Kind
	Code    Code
	Message string
}

// Classify maps a code and message to an Outcome. It never coerces or drops a code.
func Classify(code Code, message string) Outcome {
	if code == OK {
		return Outcome{Kind: Success, Code: code, Message: message}
	}
	return Outcome{Kind: Failure, Code: code, Message: message}
}

// ClassifyResult is Classify for a Result value.
func ClassifyResult(r Result) Outcome {
	return Classify(r.Code, r.DebugMessage)
}

// Err returns nil for a success outcome, otherwise a *ResultError.
func (o Outcome) Err() error {
	if o.Kind == Success {
		return nil
	}
	return &ResultError{Result: Result{Code: o.Code, DebugMessage: o.Message}}
}

// ResultError is the typed failure for a non-OK result. Callers branch on Result.Code.
type ResultError struct {
	Result Result
}

func (e *ResultError) Error() string {
	if e.Result.DebugMessage == "" {
		return fmt.Sprintf("billing result %s", e.Result.Code)
	}
	return fmt.Sprintf("billing result %s: %s", e.Result.Code, e.Result.DebugMessage)
}

// Code returns the response code that triggered the failure.
func (e *ResultError) Code() Code {
	return e.Result.Code
}

// AsResultError unwraps err to a *ResultError.
func AsResultError(err error) (*ResultError, bool) {
	var re *ResultError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// CodeOf returns the response code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	if re, ok := AsResultError(err); ok {
		return re.Result.Code, true
	}
	return 0, false
}
