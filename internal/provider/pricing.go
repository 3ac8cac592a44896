package provider

type modelPrice struct {
	inputUSD  float64 // per token
	outputUSD float64
}

// Per-model price table. Models missing from the table fall back to the
// per-provider default so an unrecognized model is still charged.
var priceTable = map[string]map[string]modelPrice{
	"openai": {
		"gpt-4o":        {0.0000025, 0.00001},
		"gpt-4o-mini":   {0.00000015, 0.0000006},
		"gpt-4":         {0.00003, 0.00006},
		"gpt-3.5-turbo": {0.0000005, 0.0000015},
	},
	"claude": {
		"claude-3-5-sonnet-20241022": {0.000003, 0.000015},
		"claude-3-5-haiku-20241022":  {0.0000008, 0.000004},
		"claude-3-opus-20240229":     {0.000015, 0.000075},
		"claude-3-haiku-20240307":    {0.00000025, 0.00000125},
	},
	"gemini": {
		"gemini-1.5-pro":   {0.00000125, 0.000005},
		"gemini-1.5-flash": {0.000000075, 0.0000003},
		"gemini-2.0-flash": {0.0000001, 0.0000004},
	},
	"mistral": {
		"mistral-large-latest": {0.000002, 0.000006},
		"mistral-small-latest": {0.0000002, 0.0000006},
		"open-mistral-nemo":    {0.00000015, 0.00000015},
	},
}

var defaultPrice = map[string]modelPrice{
	"openai":  {0.0000025, 0.00001},
	"claude":  {0.000003, 0.000015},
	"gemini":  {0.00000125, 0.000005},
	"mistral": {0.000002, 0.000006},
}

// CalculateCost returns the raw provider cost in USD for one call.
// Pure function over the static price table.
func CalculateCost(providerName, model string, inputTokens, outputTokens int) float64 {
	price, ok := priceTable[providerName][model]
	if !ok {
		price, ok = defaultPrice[providerName]
		if !ok {
			// Unknown backend: charge at the most expensive default so
			// misconfiguration never undercharges.
			price = modelPrice{0.00003, 0.00006}
		}
	}
	return float64(inputTokens)*price.inputUSD + float64(outputTokens)*price.outputUSD
}

// DetectProvider resolves a backend name from a model identifier.
func DetectProvider(model string) string {
	for name, models := range priceTable {
		for m := range models {
			if m == model {
				return name
			}
		}
	}
	return ""
}
