// Package monitor validates request bodies against JSON schemas before they
// reach the billing client.
package monitor

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema names bundled with the package.
const (
	SchemaSkuDetails    = "sku_details"
	SchemaPurchaseToken = "purchase_token"
	SchemaRewardedSku   = "rewarded_sku"
	SchemaPriceChange   = "price_change"
	SchemaReconcile     = "reconcile"
)

//go:embed schemas/*.json
var bundled embed.FS

// ContractMonitor validates incoming requests against a JSON schema.
type ContractMonitor struct {
	name   string
	schema *gojsonschema.Schema
}

// NewContractMonitor compiles the bundled schema called name.
func NewContractMonitor(name string) (*ContractMonitor, error) {
	raw, err := bundled.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema %s: %w", name, err)
	}
	return NewContractMonitorFromBytes(name, raw)
}

// NewContractMonitorFromBytes compiles a schema supplied by the caller.
func NewContractMonitorFromBytes(name string, raw []byte) (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
	}
	return &ContractMonitor{name: name, schema: schema}, nil
}

// Name returns the schema name.
func (cm *ContractMonitor) Name() string {
	return cm.name
}

// Validate validates the given request body against the loaded JSON schema.
// It returns true if valid, or false and a list of validation errors if invalid.
// A body that is not JSON is reported through the error.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(requestBody))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}

	if result.Valid() {
		return true, nil, nil
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, desc.String())
	}
	return false, errors, nil
}

// Registry holds one monitor per bundled schema.
type Registry struct {
	monitors map[string]*ContractMonitor
}

// NewRegistry compiles every bundled schema.
func NewRegistry() (*Registry, error) {
	entries, err := bundled.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("reading bundled schemas: %w", err)
	}
	r := &Registry{monitors: make(map[string]*ContractMonitor, len(entries))}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		cm, err := NewContractMonitor(name)
		if err != nil {
			return nil, err
		}
		r.monitors[name] = cm
	}
	return r, nil
}

// Get returns the monitor for name.
func (r *Registry) Get(name string) (*ContractMonitor, bool) {
	cm, ok := r.monitors[name]
	return cm, ok
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
