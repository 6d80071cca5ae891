package model

import "math"

// MicrosPerUnit is the number of micro-units in one canonical currency unit.
// Configuration carries prices as decimals (e.g. USD); internal arithmetic
// converts once and stays in integers.
const MicrosPerUnit = 1_000_000

// ToMicrosPer1M converts a decimal per-million-token price to integer
// micro-units per million tokens, rounding half away from zero.
func ToMicrosPer1M(pricePer1M float64) int64 {
	return int64(math.Round(pricePer1M * MicrosPerUnit))
}

// MicrosToUnits converts integer micro-units back to a decimal amount in the
// canonical currency, for display and for the telemetry wire format.
func MicrosToUnits(micros int64) float64 {
	return float64(micros) / MicrosPerUnit
}

// defaultPricing lists per-million-token prices in USD for commonly deployed
// models, keyed by model ID. Used when configuration omits explicit pricing.
//
// Prices as of 2025-06-01; update as providers adjust them.
var defaultPricing = map[string]struct {
	InputPer1M  float64
	OutputPer1M float64
	Tier        Tier
}{
	// Anthropic
	"claude-3-haiku":    {0.25, 1.25, TierCheap},
	"claude-3-5-sonnet": {3.00, 15.00, TierCapable},
	"claude-3-opus":     {15.00, 75.00, TierPremium},

	// OpenAI
	"gpt-4o-mini": {0.15, 0.60, TierCheap},
	"gpt-4o":      {2.50, 10.00, TierCapable},
	"gpt-4-turbo": {10.00, 30.00, TierPremium},

	// Google
	"gemini-1.5-flash": {0.075, 0.30, TierCheap},
	"gemini-1.5-pro":   {1.25, 5.00, TierCapable},
}

// DefaultDescriptor returns a descriptor seeded from the built-in pricing
// table, or false when the model ID is unknown. The caller still assigns the
// provider name and any fallback chain.
func DefaultDescriptor(id string) (Descriptor, bool) {
	p, ok := defaultPricing[id]
	if !ok {
		return Descriptor{}, false
	}
	return Descriptor{
		ID:                id,
		Tier:              p.Tier,
		InputMicrosPer1M:  ToMicrosPer1M(p.InputPer1M),
		OutputMicrosPer1M: ToMicrosPer1M(p.OutputPer1M),
	}, true
}
