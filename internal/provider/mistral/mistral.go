package mistral

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider"
)

// MistralProvider speaks the OpenAI-compatible chat API that api.mistral.ai
// exposes. Unlike openai, the deployment we proxy does not return usage
// counters, so token counts are estimated from character counts and flagged.
type MistralProvider struct {
	apiKey  string
	baseURL string
}

type mistralRequest struct {
	Model       string           `json:"model"`
	Messages    []mistralMessage `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

type mistralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mistralResponse struct {
	ID      string          `json:"id"`
	Choices []mistralChoice `json:"choices"`
	Model   string          `json:"model"`
}

type mistralChoice struct {
	Message mistralMessage `json:"message"`
	Delta   mistralDelta   `json:"delta"`
}

type mistralDelta struct {
	Content string `json:"content"`
}

func New(apiKey string) provider.Provider {
	return &MistralProvider{
		apiKey:  apiKey,
		baseURL: "https://api.mistral.ai/v1",
	}
}

func (p *MistralProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	mistralReq := p.mapRequest(req)
	body, err := json.Marshal(mistralReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mistral api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var mistralResp mistralResponse
	if err := json.NewDecoder(resp.Body).Decode(&mistralResp); err != nil {
		return nil, err
	}

	if len(mistralResp.Choices) == 0 {
		return nil, fmt.Errorf("mistral api returned no choices")
	}

	var promptChars int
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	content := mistralResp.Choices[0].Message.Content

	return &provider.Response{
		ID:             mistralResp.ID,
		Content:        content,
		InputTokens:    promptChars / 4,
		OutputTokens:   provider.EstimateTokens(content),
		EstimatedUsage: true,
		Model:          mistralResp.Model,
		Provider:       p.Name(),
	}, nil
}

func (p *MistralProvider) mapRequest(req *provider.Request) mistralRequest {
	messages := make([]mistralMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = mistralMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return mistralRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

func (p *MistralProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	mistralReq := p.mapRequest(req)
	mistralReq.Stream = true
	body, err := json.Marshal(mistralReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			select {
			case ch <- &provider.Chunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			select {
			case ch <- &provider.Chunk{Err: fmt.Errorf("mistral api error (status %d): %s", resp.StatusCode, string(respBody))}:
			case <-ctx.Done():
			}
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					select {
					case ch <- &provider.Chunk{Done: true}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case ch <- &provider.Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				select {
				case ch <- &provider.Chunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}

			var mistralResp mistralResponse
			if err := json.Unmarshal([]byte(data), &mistralResp); err != nil {
				select {
				case ch <- &provider.Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			if len(mistralResp.Choices) > 0 {
				content := mistralResp.Choices[0].Delta.Content
				if content != "" {
					select {
					case ch <- &provider.Chunk{Delta: content}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (p *MistralProvider) Name() string {
	return "mistral"
}

func (p *MistralProvider) ExactUsage() bool {
	return false
}

func (p *MistralProvider) CostPerInputToken() float64 {
	return 0.000002
}

func (p *MistralProvider) CostPerOutputToken() float64 {
	return 0.000006
}

func (p *MistralProvider) SupportedModels() []string {
	return []string{"mistral-large-latest", "mistral-small-latest", "open-mistral-nemo"}
}
