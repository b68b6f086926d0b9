package models

// Pricing holds per-token prices in USD per 1 million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// PricingTable maps "providerType/model" keys to list prices. The table is
// best-effort and may lag behind vendor price changes; self-hosted types
// (ollama) are absent and cost nothing.
var PricingTable = map[string]Pricing{
	"openai/gpt-4o":                 {InputPer1M: 2.50, OutputPer1M: 10.00},
	"openai/gpt-4o-mini":            {InputPer1M: 0.15, OutputPer1M: 0.60},
	"openai/gpt-4-turbo":            {InputPer1M: 10.00, OutputPer1M: 30.00},
	"openai/gpt-3.5-turbo":          {InputPer1M: 0.50, OutputPer1M: 1.50},
	"openai/text-embedding-3-small": {InputPer1M: 0.02},
	"openai/text-embedding-3-large": {InputPer1M: 0.13},
	"openai/text-embedding-ada-002": {InputPer1M: 0.10},

	"anthropic/claude-3-5-sonnet-latest": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"anthropic/claude-3-5-haiku-latest":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"anthropic/claude-3-opus-latest":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"anthropic/claude-3-haiku-20240307":  {InputPer1M: 0.25, OutputPer1M: 1.25},

	"bedrock/anthropic.claude-3-5-haiku-20241022-v1:0":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"bedrock/anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"bedrock/amazon.titan-embed-text-v2:0":              {InputPer1M: 0.02},

	"groq/llama-3.3-70b-versatile": {InputPer1M: 0.59, OutputPer1M: 0.79},
	"groq/llama-3.1-8b-instant":    {InputPer1M: 0.05, OutputPer1M: 0.08},

	"mistral/mistral-large-latest": {InputPer1M: 2.00, OutputPer1M: 6.00},
	"mistral/mistral-small-latest": {InputPer1M: 0.20, OutputPer1M: 0.60},
	"mistral/mistral-embed":        {InputPer1M: 0.10},

	"together/meta-llama/Llama-3.3-70B-Instruct-Turbo": {InputPer1M: 0.88, OutputPer1M: 0.88},

	"deepseek/deepseek-chat":     {InputPer1M: 0.27, OutputPer1M: 1.10},
	"deepseek/deepseek-reasoner": {InputPer1M: 0.55, OutputPer1M: 2.19},
}

// EstimateCost returns the USD cost of a call and whether the model has a
// price entry.
func EstimateCost(providerType, modelID string, promptTokens, completionTokens int) (float64, bool) {
	p, ok := PricingTable[providerType+"/"+modelID]
	if !ok {
		return 0, false
	}
	cost := float64(promptTokens)*p.InputPer1M/1_000_000 + float64(completionTokens)*p.OutputPer1M/1_000_000
	return cost, true
}
