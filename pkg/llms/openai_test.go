package llms

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// sseHandler writes pre-baked SSE frames for a chat-completions request.
func sseHandler(t *testing.T, frames []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}
}

func collectChunks(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var chunks []StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("Timed out waiting for stream")
		}
	}
}

func TestOpenAIStreamingText(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"content":"Hi"}}]}`,
		`{"choices":[{"delta":{"content":" there"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`,
		`[DONE]`,
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL, Model: "test-model"})

	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: "user", Content: "hello"},
	}, nil)
	if err != nil {
		t.Fatalf("GenerateStreaming failed: %v", err)
	}

	chunks := collectChunks(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Type != "text" || chunks[0].Text != "Hi" {
		t.Errorf("Unexpected first chunk: %+v", chunks[0])
	}
	if chunks[1].Type != "text" || chunks[1].Text != " there" {
		t.Errorf("Unexpected second chunk: %+v", chunks[1])
	}
	if chunks[2].Type != "done" {
		t.Errorf("Expected done chunk, got %+v", chunks[2])
	}
	if chunks[2].Tokens != 12 {
		t.Errorf("Expected 12 tokens, got %d", chunks[2].Tokens)
	}
}

func TestOpenAIStreamingToolCallDeltas(t *testing.T) {
	// Tool-call arguments arrive fragmented across deltas.
	server := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"\"Paris\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL, Model: "test-model"})

	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: "user", Content: "weather in Paris?"},
	}, []ToolDefinition{{Name: "get_weather"}})
	if err != nil {
		t.Fatalf("GenerateStreaming failed: %v", err)
	}

	chunks := collectChunks(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Type != "tool_call" {
		t.Fatalf("Expected tool_call chunk, got %+v", chunks[0])
	}
	call := chunks[0].ToolCall
	if call.ID != "call_1" || call.Name != "get_weather" {
		t.Errorf("Unexpected tool call: %+v", call)
	}
	if city, _ := call.Arguments["city"].(string); city != "Paris" {
		t.Errorf("Expected city=Paris, got %v", call.Arguments)
	}
	if chunks[1].Type != "done" {
		t.Errorf("Expected done chunk, got %+v", chunks[1])
	}
}

func TestOpenAIStreamingAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL, Model: "test-model", MaxRetries: 1})

	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: "user", Content: "hello"},
	}, nil)
	if err != nil {
		t.Fatalf("GenerateStreaming failed: %v", err)
	}

	chunks := collectChunks(t, ch)
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Type != "error" || chunks[0].Error == nil {
		t.Fatalf("Expected error chunk, got %+v", chunks[0])
	}
}

func TestScriptedProvider(t *testing.T) {
	provider := NewScriptedProvider(
		ScriptedResponse{Chunks: []string{"Hi", " there"}, Tokens: 5},
	)

	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: "user", Content: "hello"},
	}, nil)
	if err != nil {
		t.Fatalf("GenerateStreaming failed: %v", err)
	}

	chunks := collectChunks(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].Text != "Hi" || chunks[1].Text != " there" {
		t.Errorf("Unexpected chunks: %+v", chunks)
	}
	if chunks[2].Type != "done" || chunks[2].Tokens != 5 {
		t.Errorf("Unexpected terminal chunk: %+v", chunks[2])
	}

	// Exhausted script falls back to an echo response.
	ch, _ = provider.GenerateStreaming(context.Background(), []Message{
		{Role: "user", Content: "again"},
	}, nil)
	chunks = collectChunks(t, ch)
	if chunks[len(chunks)-1].Type != "done" {
		t.Errorf("Expected done terminal chunk, got %+v", chunks[len(chunks)-1])
	}
	if provider.Calls() != 2 {
		t.Errorf("Expected 2 calls, got %d", provider.Calls())
	}
}
