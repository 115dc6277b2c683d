// Package pricing holds the static per-model rate table and the cost
// calculator applied to measured token usage.
package pricing

import "math"

// Entry is the immutable per-model rate record. Rates are expressed as the
// number of tokens one dollar buys, derived from the provider list price per
// million tokens.
type Entry struct {
	InputTokensPerDollar  float64
	OutputTokensPerDollar float64
}

// DefaultModel is the fallback entry used when a requested model is not in
// the table: the lowest-tier legacy model's rates. Unlisted models must
// still produce a finite cost.
const DefaultModel = "gemini-1.0-pro"

// perMillion converts a USD list price per 1M tokens into tokens-per-dollar.
func perMillion(priceUSD float64) float64 {
	return 1_000_000 / priceUSD
}

var table = map[string]Entry{
	"gemini-1.5-pro": {
		InputTokensPerDollar:  perMillion(1.25),
		OutputTokensPerDollar: perMillion(5.00),
	},
	"gemini-1.5-flash": {
		InputTokensPerDollar:  perMillion(0.075),
		OutputTokensPerDollar: perMillion(0.30),
	},
	"gemini-1.5-flash-8b": {
		InputTokensPerDollar:  perMillion(0.0375),
		OutputTokensPerDollar: perMillion(0.15),
	},
	"gemini-2.0-flash": {
		InputTokensPerDollar:  perMillion(0.10),
		OutputTokensPerDollar: perMillion(0.40),
	},
	"gemini-1.0-pro": {
		InputTokensPerDollar:  perMillion(0.50),
		OutputTokensPerDollar: perMillion(1.50),
	},
	"text-embedding-004": {
		InputTokensPerDollar:  perMillion(0.025),
		OutputTokensPerDollar: perMillion(0.025),
	},
	"embedding-001": {
		InputTokensPerDollar:  perMillion(0.025),
		OutputTokensPerDollar: perMillion(0.025),
	},
}

// Lookup returns the pricing entry for model, or the default entry when the
// model is unlisted.
func Lookup(model string) Entry {
	if e, ok := table[model]; ok {
		return e
	}
	return table[DefaultModel]
}

// Cost computes the USD cost of a call. The result is always >= 0 and
// unrounded; use RoundDisplay for the externally visible value.
func Cost(inputTokens, outputTokens int, model string) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	e := Lookup(model)
	return float64(inputTokens)/e.InputTokensPerDollar + float64(outputTokens)/e.OutputTokensPerDollar
}

// RoundDisplay rounds a cost to 6 decimal places for client-facing output.
func RoundDisplay(cost float64) float64 {
	return math.Round(cost*1e6) / 1e6
}
