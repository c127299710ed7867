package loomstream

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config/pricing/models.yaml
var embeddedPricingYAML []byte

// Pricing Philosophy:
//
// This package ships a pricing table for CREDIT ACCOUNTING, not a source of
// truth for provider billing. Rates may lag provider price changes; unknown
// models fall back to a conservative default rate so usage is never priced
// at zero by omission.
//
// Library users can override embedded pricing by:
//  1. Calling LoadFromFile() with custom YAML
//  2. Calling Register() programmatically
//
// The table is an explicitly constructed, injected value. There is no
// package-level singleton.

// ModelPricing holds per-1M-token rates for one model, in credits.
type ModelPricing struct {
	InputPer1M  float64 `yaml:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m"`
}

// pricingFile is the YAML document shape.
type pricingFile struct {
	Version     string                  `yaml:"version"`
	LastUpdated string                  `yaml:"last_updated"`
	Default     ModelPricing            `yaml:"default"`
	Models      map[string]ModelPricing `yaml:"models"`
}

// PricingTable maps model identifiers to credit rates.
// Safe for concurrent use.
type PricingTable struct {
	mu          sync.RWMutex
	models      map[string]ModelPricing
	defaultRate ModelPricing
}

// NewPricingTable creates a table populated from the embedded pricing data.
func NewPricingTable() (*PricingTable, error) {
	var pf pricingFile
	if err := yaml.Unmarshal(embeddedPricingYAML, &pf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded pricing: %w", err)
	}
	return &PricingTable{
		models:      pf.Models,
		defaultRate: pf.Default,
	}, nil
}

// Lookup returns the rates for a model, falling back to the default rate
// for unknown models.
func (t *PricingTable) Lookup(model string) ModelPricing {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.models[model]; ok {
		return p
	}
	return t.defaultRate
}

// CreditCost converts a usage record into a credit amount. Responses billed
// against the user's own credential cost zero credits.
func (t *PricingTable) CreditCost(rec UsageRecord) float64 {
	if rec.UsedOwnCredential {
		return 0
	}
	p := t.Lookup(rec.Model)
	return float64(rec.InputTokens)*p.InputPer1M/1e6 +
		float64(rec.OutputTokens)*p.OutputPer1M/1e6
}

// Register programmatically sets the rates for a model, overriding any
// embedded entry.
func (t *PricingTable) Register(model string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.models[model] = p
}

// LoadFromFile merges pricing from a YAML file over the current table.
// The file format matches the embedded YAML structure.
func (t *PricingTable) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pricing file: %w", err)
	}

	var pf pricingFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to unmarshal pricing: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for model, p := range pf.Models {
		t.models[model] = p
	}
	if pf.Default.InputPer1M > 0 || pf.Default.OutputPer1M > 0 {
		t.defaultRate = pf.Default
	}
	return nil
}
