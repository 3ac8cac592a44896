package credit

import (
	"fmt"
	"math"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider"
)

// outputRatio approximates how much a model writes relative to the prompt
// when estimating before the call.
const outputRatio = 0.6

// Pricing converts raw provider USD cost into credits. Credits always round
// up and never go below 1, so no call is free and none is undercharged.
type Pricing struct {
	CreditsPerUSD float64
	Margin        float64
}

func NewPricing(creditsPerUSD, margin float64) Pricing {
	if creditsPerUSD <= 0 {
		creditsPerUSD = 100
	}
	if margin < 1 {
		margin = 1.3
	}
	return Pricing{CreditsPerUSD: creditsPerUSD, Margin: margin}
}

// Estimate prices a call from the prompt size before any tokens exist.
// tokens ~= chars/4, output ~= 0.6x input.
func (p Pricing) Estimate(providerName, model string, promptChars int, tier string) CostEstimate {
	inputTokens := promptChars / 4
	if inputTokens < 1 {
		inputTokens = 1
	}
	outputTokens := int(float64(inputTokens) * outputRatio)
	if outputTokens < 1 {
		outputTokens = 1
	}

	est := p.fromUSD(provider.CalculateCost(providerName, model, inputTokens, outputTokens))
	est.Tier = tier
	est.Estimated = true
	est.Reason = fmt.Sprintf("pre-call estimate: ~%d input tokens from %d prompt chars", inputTokens, promptChars)
	return est
}

// FromTokens prices a call from actual usage. exact=false marks usage that
// was itself approximated because the backend lacks a usage API.
func (p Pricing) FromTokens(providerName, model string, inputTokens, outputTokens int, exact bool) CostEstimate {
	est := p.fromUSD(provider.CalculateCost(providerName, model, inputTokens, outputTokens))
	est.Estimated = !exact
	if exact {
		est.Reason = "exact provider usage counters"
	} else {
		est.Reason = "approximate usage (backend reports no token counters)"
	}
	return est
}

func (p Pricing) fromUSD(costUSD float64) CostEstimate {
	credits := int64(math.Ceil(costUSD * p.CreditsPerUSD * p.Margin))
	if credits < 1 {
		credits = 1
	}
	return CostEstimate{
		Credits: credits,
		CostUSD: costUSD,
		// Profitable when the billed credit value covers the raw cost.
		Profitable: float64(credits)/p.CreditsPerUSD >= costUSD,
	}
}
