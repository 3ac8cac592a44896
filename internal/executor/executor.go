// Package executor presents one uniform call interface over the
// interchangeable model backends, with deterministic single-hop failover
// over a fixed provider ring and per-provider circuit breakers for health
// tracking.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider"
)

// ringOrder is the fixed failover ring: each provider falls back to the
// next configured one, wrapping around. Exactly one hop per call; transient
// errors on one backend are assumed uncorrelated with a different backend.
var ringOrder = []string{"openai", "claude", "gemini", "mistral"}

// HealthLog observes every underlying call, success or failure,
// independent of billing.
type HealthLog func(providerName, model string, success bool, latencyMs int64, err error)

// ProviderUnavailableError means both the primary and its ring fallback
// failed. Unwrap yields the primary error so callers can inspect the
// original failure.
type ProviderUnavailableError struct {
	Provider    string
	Fallback    string
	Primary     error
	FallbackErr error
	Attempts    []provider.Attempt
}

func (e *ProviderUnavailableError) Error() string {
	if e.Fallback == "" {
		return fmt.Sprintf("provider %s unavailable (no fallback configured): %v", e.Provider, e.Primary)
	}
	return fmt.Sprintf("providers %s and %s unavailable: %v (fallback: %v)", e.Provider, e.Fallback, e.Primary, e.FallbackErr)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Primary }

type Executor struct {
	providers map[string]provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	health    HealthLog
}

func New(providers []provider.Provider, health HealthLog) *Executor {
	byName := make(map[string]provider.Provider, len(providers))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Executor{
		providers: byName,
		breakers:  breakers,
		health:    health,
	}
}

// fallbackFor returns the next configured provider on the ring, or "" when
// no distinct fallback exists.
func (e *Executor) fallbackFor(name string) string {
	idx := -1
	for i, n := range ringOrder {
		if n == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ""
	}
	for step := 1; step < len(ringOrder); step++ {
		candidate := ringOrder[(idx+step)%len(ringOrder)]
		if _, ok := e.providers[candidate]; ok {
			return candidate
		}
	}
	return ""
}

func (e *Executor) resolve(req *provider.Request) (provider.Provider, error) {
	name := req.Provider
	if name == "" {
		name = provider.DetectProvider(req.Model)
	}
	p, ok := e.providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider configured for %q (model %q)", name, req.Model)
	}
	return p, nil
}

// Chat dispatches one completion. On any primary failure it takes exactly
// one hop to the ring fallback and marks the response WasFailover; when
// both legs fail the primary error propagates inside a
// ProviderUnavailableError.
func (e *Executor) Chat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	p, err := e.resolve(req)
	if err != nil {
		return nil, err
	}

	resp, attempt, primaryErr := e.execute(ctx, p, req)
	if primaryErr == nil {
		resp.Attempts = []provider.Attempt{attempt}
		return resp, nil
	}

	fbName := e.fallbackFor(p.Name())
	if fbName == "" {
		return nil, &ProviderUnavailableError{
			Provider: p.Name(),
			Primary:  primaryErr,
			Attempts: []provider.Attempt{attempt},
		}
	}

	fb := e.providers[fbName]
	fbReq := *req
	fbReq.Provider = fbName
	if !supportsModel(fb, fbReq.Model) {
		fbReq.Model = fb.SupportedModels()[0]
	}

	resp, fbAttempt, fbErr := e.execute(ctx, fb, &fbReq)
	if fbErr == nil {
		resp.WasFailover = true
		resp.Attempts = []provider.Attempt{attempt, fbAttempt}
		return resp, nil
	}

	return nil, &ProviderUnavailableError{
		Provider:    p.Name(),
		Fallback:    fbName,
		Primary:     primaryErr,
		FallbackErr: fbErr,
		Attempts:    []provider.Attempt{attempt, fbAttempt},
	}
}

func (e *Executor) execute(ctx context.Context, p provider.Provider, req *provider.Request) (*provider.Response, provider.Attempt, error) {
	start := time.Now()
	cb := e.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	latency := time.Since(start).Milliseconds()

	attempt := provider.Attempt{Provider: p.Name(), Model: req.Model, LatencyMs: latency}
	if e.health != nil {
		e.health(p.Name(), req.Model, err == nil, latency, err)
	}
	if err != nil {
		attempt.Err = err.Error()
		return nil, attempt, err
	}

	resp := result.(*provider.Response)
	resp.LatencyMs = latency
	attempt.Success = true
	return resp, attempt, nil
}

func supportsModel(p provider.Provider, model string) bool {
	for _, m := range p.SupportedModels() {
		if m == model {
			return true
		}
	}
	return false
}

// CalculateCost is the static per-model price lookup, exposed alongside
// the dispatch interface.
func (e *Executor) CalculateCost(providerName, model string, inputTokens, outputTokens int) float64 {
	return provider.CalculateCost(providerName, model, inputTokens, outputTokens)
}
