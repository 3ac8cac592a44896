package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider"
)

// StreamStats tracks accounting for one streaming call. Token counts are
// approximated from the characters actually streamed; finalization happens
// exactly once, on either natural completion or explicit abort, never both.
type StreamStats struct {
	Provider    string
	Model       string
	WasFailover bool

	start time.Time
	once  sync.Once

	mu           sync.Mutex
	chars        int
	outputTokens int
	latencyMs    int64
}

func (s *StreamStats) addDelta(text string) {
	s.mu.Lock()
	s.chars += len(text)
	s.mu.Unlock()
}

// Finalize freezes accounting. Safe to call from both the draining
// goroutine (natural completion) and an aborting caller; only the first
// call takes effect.
func (s *StreamStats) Finalize() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.outputTokens = s.chars / 4
		if s.outputTokens < 1 && s.chars > 0 {
			s.outputTokens = 1
		}
		s.latencyMs = time.Since(s.start).Milliseconds()
	})
}

// OutputTokens is valid after Finalize. A stream aborted before any chunk
// reports zero tokens and must not be charged.
func (s *StreamStats) OutputTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputTokens
}

// Estimated is always true for streams: no backend reports usage counters
// mid-stream, so streamed output is billed from characters.
func (s *StreamStats) Estimated() bool { return true }

func (s *StreamStats) LatencyMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyMs
}

// ChatStream dispatches a streaming completion with the same single-hop
// failover as Chat. The stream is not restartable: failover applies only
// to the initial connection, and cancellation simply stops consuming
// chunks.
func (e *Executor) ChatStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, *StreamStats, error) {
	p, err := e.resolve(req)
	if err != nil {
		return nil, nil, err
	}

	stats := &StreamStats{Provider: p.Name(), Model: req.Model, start: time.Now()}

	ch, primaryErr := e.openStream(ctx, p, req)
	if primaryErr != nil {
		fbName := e.fallbackFor(p.Name())
		if fbName == "" {
			return nil, nil, &ProviderUnavailableError{Provider: p.Name(), Primary: primaryErr}
		}

		fb := e.providers[fbName]
		fbReq := *req
		fbReq.Provider = fbName
		if !supportsModel(fb, fbReq.Model) {
			fbReq.Model = fb.SupportedModels()[0]
		}

		var fbErr error
		ch, fbErr = e.openStream(ctx, fb, &fbReq)
		if fbErr != nil {
			return nil, nil, &ProviderUnavailableError{
				Provider:    p.Name(),
				Fallback:    fbName,
				Primary:     primaryErr,
				FallbackErr: fbErr,
			}
		}
		stats.Provider = fbName
		stats.Model = fbReq.Model
		stats.WasFailover = true
	}

	wrapped := make(chan *provider.Chunk)
	go func() {
		defer close(wrapped)
		var streamErr error
		// The drain outcome feeds the same health tracking as unary
		// calls: the breaker sees stream successes too, so one tripped
		// by streams can close again through them.
		defer func() {
			stats.Finalize()
			if cb := e.breakers[stats.Provider]; cb != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, streamErr
				})
			}
			if e.health != nil {
				e.health(stats.Provider, stats.Model, streamErr == nil, stats.LatencyMs(), streamErr)
			}
		}()
		for chunk := range ch {
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			if chunk.Err == nil && !chunk.Done {
				stats.addDelta(chunk.Delta)
			}
			select {
			case wrapped <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Err != nil || chunk.Done {
				return
			}
		}
	}()

	return wrapped, stats, nil
}

func (e *Executor) openStream(ctx context.Context, p provider.Provider, req *provider.Request) (<-chan *provider.Chunk, error) {
	cb := e.breakers[p.Name()]
	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker is open for provider: %s", p.Name())
	}

	ch, err := p.CompleteStream(ctx, req)
	if err != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		if e.health != nil {
			e.health(p.Name(), req.Model, false, 0, err)
		}
		return nil, err
	}
	return ch, nil
}
