package executor

import (
	"context"
	"sync"
	"time"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/merge"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider"
)

// AgentCall describes one participant of a multi-agent request.
type AgentCall struct {
	Role      merge.Role
	Provider  string
	Model     string
	Messages  []provider.Message
	MaxTokens int
}

// FanOut dispatches all agent calls concurrently and waits for every one
// to settle. A per-agent timeout (or failure) yields a Failed output that
// the merge engine treats as a non-contributing participant. The second
// return slice holds the raw responses (nil for failed agents) so the
// caller can attribute token usage per underlying call.
func (e *Executor) FanOut(ctx context.Context, userID, requestID string, calls []AgentCall, perAgentTimeout time.Duration) ([]merge.AgentOutput, []*provider.Response) {
	outputs := make([]merge.AgentOutput, len(calls))
	responses := make([]*provider.Response, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call AgentCall) {
			defer wg.Done()

			cctx := ctx
			if perAgentTimeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, perAgentTimeout)
				defer cancel()
			}

			start := time.Now()
			resp, err := e.Chat(cctx, &provider.Request{
				Provider:  call.Provider,
				Model:     call.Model,
				Messages:  call.Messages,
				MaxTokens: call.MaxTokens,
				UserID:    userID,
				RequestID: requestID,
			})
			elapsed := time.Since(start).Milliseconds()

			if err != nil {
				outputs[i] = merge.AgentOutput{
					Role:       call.Role,
					Provider:   call.Provider,
					Model:      call.Model,
					DurationMs: elapsed,
					Failed:     true,
					Err:        err.Error(),
				}
				return
			}

			outputs[i] = merge.AgentOutput{
				Role:       call.Role,
				Provider:   resp.Provider,
				Model:      resp.Model,
				Content:    resp.Content,
				DurationMs: elapsed,
			}
			responses[i] = resp
		}(i, call)
	}
	wg.Wait()

	return outputs, responses
}
