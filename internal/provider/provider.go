package provider

import (
	"context"
)

type Request struct {
	Provider    string // requested backend; resolved from Model when empty
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stream      bool
	// Metadata for attribution
	UserID    string
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Attempt records one underlying model call, including failed failover legs.
type Attempt struct {
	Provider  string
	Model     string
	Success   bool
	LatencyMs int64
	Err       string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	// EstimatedUsage is true when the backend has no usage API and token
	// counts were derived from character counts rather than exact counters.
	EstimatedUsage bool
	Model          string
	Provider       string
	LatencyMs      int64
	WasFailover    bool
	Attempts       []Attempt
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	// ExactUsage reports whether Complete returns exact token counters.
	ExactUsage() bool
	CostPerInputToken() float64 // cost in USD per 1 token
	CostPerOutputToken() float64
	SupportedModels() []string
}

// EstimateTokens approximates a token count from raw text (chars / 4).
// Used for pre-call estimates and for backends without a usage API.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 && len(text) > 0 {
		return 1
	}
	return n
}
