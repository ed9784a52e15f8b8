package budget

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Wildcard is the fallback entry used for unknown models of a provider.
const Wildcard = "*"

// Rate is the dollar cost of one input and one output unit.
type Rate struct {
	InputUnitCostUSD  float64 `json:"input_unit_cost_usd"`
	OutputUnitCostUSD float64 `json:"output_unit_cost_usd"`
}

// Cost converts usage into dollars.
func (r Rate) Cost(inputUnits, outputUnits int) float64 {
	return float64(inputUnits)*r.InputUnitCostUSD + float64(outputUnits)*r.OutputUnitCostUSD
}

// PerMillion builds a Rate from per-million-unit prices.
func PerMillion(input, output float64) Rate {
	return Rate{InputUnitCostUSD: input / 1_000_000, OutputUnitCostUSD: output / 1_000_000}
}

// Per1K builds a Rate from per-thousand-unit prices.
func Per1K(input, output float64) Rate {
	return Rate{InputUnitCostUSD: input / 1000, OutputUnitCostUSD: output / 1000}
}

// PricingTable maps provider -> model -> Rate. Safe for concurrent use.
type PricingTable struct {
	mu        sync.RWMutex
	providers map[string]map[string]Rate
}

// DefaultRates are per-million prices for the vision models the remote
// providers default to.
var DefaultRates = map[string]map[string]Rate{
	"openai": {
		"gpt-4o-mini": PerMillion(0.15, 0.60),
		"gpt-4o":      PerMillion(2.50, 10.00),
		Wildcard:      PerMillion(2.50, 10.00),
	},
	"openrouter": {
		"openai/gpt-4o-mini":          PerMillion(0.15, 0.60),
		"google/gemini-2.0-flash-001": PerMillion(0.10, 0.40),
		"anthropic/claude-3-5-haiku":  PerMillion(0.80, 4.00),
		Wildcard:                      PerMillion(0.15, 0.60),
	},
	"anthropic": {
		"claude-3-5-haiku-20241022":  PerMillion(0.80, 4.00),
		"claude-sonnet-4-5-20250929": PerMillion(3.00, 15.00),
		Wildcard:                     PerMillion(3.00, 15.00),
	},
	"google": {
		"gemini-2.5-flash": PerMillion(0.30, 2.50),
		"gemini-2.0-flash": PerMillion(0.10, 0.40),
		Wildcard:           PerMillion(0.30, 2.50),
	},
	"mock": {
		Wildcard: PerMillion(0.0001, 0.0004),
	},
}

// NewPricingTable creates a table seeded with DefaultRates.
func NewPricingTable() *PricingTable {
	p := &PricingTable{providers: make(map[string]map[string]Rate)}
	for provider, models := range DefaultRates {
		for model, rate := range models {
			p.Set(provider, model, rate)
		}
	}
	return p
}

// Set adds or replaces the rate of one model.
func (p *PricingTable) Set(provider, model string, rate Rate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	provider = strings.ToLower(provider)
	if p.providers[provider] == nil {
		p.providers[provider] = make(map[string]Rate)
	}
	p.providers[provider][model] = rate
}

// Lookup returns the rate for a model, falling back to the provider's
// wildcard entry.
func (p *PricingTable) Lookup(provider, model string) (Rate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	models, ok := p.providers[strings.ToLower(provider)]
	if !ok {
		return Rate{}, false
	}
	if rate, ok := models[model]; ok {
		return rate, true
	}
	rate, ok := models[Wildcard]
	return rate, ok
}

// Providers returns the configured provider names, sorted.
func (p *PricingTable) Providers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a deep copy of the table.
func (p *PricingTable) Snapshot() map[string]map[string]Rate {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]map[string]Rate, len(p.providers))
	for provider, models := range p.providers {
		out[provider] = make(map[string]Rate, len(models))
		for model, rate := range models {
			out[provider][model] = rate
		}
	}
	return out
}

// pricingFile is the on-disk layout, prices per million units:
//
//	providers:
//	  openrouter:
//	    openai/gpt-4o-mini: {input_per_million: 0.15, output_per_million: 0.60}
type pricingFile struct {
	Providers map[string]map[string]struct {
		InputPerMillion  float64 `yaml:"input_per_million"`
		OutputPerMillion float64 `yaml:"output_per_million"`
	} `yaml:"providers"`
}

// LoadFile merges a YAML pricing file into the table.
func (p *PricingTable) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pricing file: %w", err)
	}

	var file pricingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse pricing file: %w", err)
	}

	for provider, models := range file.Providers {
		for model, price := range models {
			p.Set(provider, model, PerMillion(price.InputPerMillion, price.OutputPerMillion))
		}
	}
	return nil
}
