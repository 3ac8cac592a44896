package mistral

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := mistralResponse{
			ID: "cmpl-123",
			Choices: []mistralChoice{
				{Message: mistralMessage{Role: "assistant", Content: "Hello from Mistral mock!"}},
			},
			Model: "mistral-large-latest",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &MistralProvider{
		apiKey:  "test-key",
		baseURL: server.URL,
	}

	req := &provider.Request{
		Model: "mistral-large-latest",
		Messages: []provider.Message{
			{Role: "user", Content: "hi there friend"},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Mistral mock!" {
		t.Errorf("Expected 'Hello from Mistral mock!', got %s", resp.Content)
	}
	// No usage counters on the wire: counts come from characters.
	if !resp.EstimatedUsage {
		t.Error("Expected estimated usage to be flagged")
	}
	if resp.InputTokens != len("hi there friend")/4 {
		t.Errorf("Expected %d input tokens, got %d", len("hi there friend")/4, resp.InputTokens)
	}
	if resp.OutputTokens != len("Hello from Mistral mock!")/4 {
		t.Errorf("Expected %d output tokens, got %d", len("Hello from Mistral mock!")/4, resp.OutputTokens)
	}
}

func TestComplete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid api key"}`))
	}))
	defer server.Close()

	p := &MistralProvider{apiKey: "bad-key", baseURL: server.URL}

	_, err := p.Complete(context.Background(), &provider.Request{
		Model:    "mistral-large-latest",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Expected error on 401 response")
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		chunk1, _ := json.Marshal(mistralResponse{
			Choices: []mistralChoice{{Delta: mistralDelta{Content: "Hello"}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", string(chunk1))

		chunk2, _ := json.Marshal(mistralResponse{
			Choices: []mistralChoice{{Delta: mistralDelta{Content: " world!"}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", string(chunk2))

		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := &MistralProvider{apiKey: "test-key", baseURL: server.URL}

	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Model:    "mistral-large-latest",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content string
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			break
		}
		content += chunk.Delta
	}

	if content != "Hello world!" {
		t.Errorf("Expected 'Hello world!', got %q", content)
	}
	if !done {
		t.Error("Expected a Done chunk")
	}
}

func TestExactUsage(t *testing.T) {
	p := New("test-key")
	if p.ExactUsage() {
		t.Error("mistral has no usage API, ExactUsage must be false")
	}
}
