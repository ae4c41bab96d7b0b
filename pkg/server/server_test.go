package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/convo-dev/convo/pkg/driver"
	"github.com/convo-dev/convo/pkg/knowledge"
	"github.com/convo-dev/convo/pkg/llms"
	"github.com/convo-dev/convo/pkg/orchestrator"
	"github.com/convo-dev/convo/pkg/session"
	"github.com/convo-dev/convo/pkg/tools"
)

func newTestServer(t *testing.T, responses ...llms.ScriptedResponse) (*Server, session.Store) {
	t.Helper()

	store := session.InMemoryStore()
	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewCommandTool(tools.CommandConfig{})); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	index, err := knowledge.NewChromemIndex(knowledge.Options{
		Embedding: knowledge.LocalEmbeddingFunc(),
	})
	if err != nil {
		t.Fatalf("NewChromemIndex failed: %v", err)
	}

	provider := llms.NewScriptedProvider(responses...)
	d := driver.New(provider, registry, driver.Config{})
	orch := orchestrator.New(store, index, d, orchestrator.Config{RetrievalTopK: 2})

	return New(Config{Host: "127.0.0.1", Port: 0}, orch, store, index, registry), store
}

func TestChatAndHistoryRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, llms.ScriptedResponse{Chunks: []string{"Hi", " there"}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		strings.NewReader(`{"session_id":"S1","message":"hello"}`))
	if err != nil {
		t.Fatalf("POST /api/chat failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if chat.Reply != "Hi there" {
		t.Errorf("Unexpected reply: %q", chat.Reply)
	}

	histResp, err := http.Get(ts.URL + "/api/history/S1")
	if err != nil {
		t.Fatalf("GET history failed: %v", err)
	}
	defer histResp.Body.Close()

	var hist struct {
		SessionID string         `json:"session_id"`
		Turns     []session.Turn `json:"turns"`
	}
	if err := json.NewDecoder(histResp.Body).Decode(&hist); err != nil {
		t.Fatalf("Decode history failed: %v", err)
	}
	if len(hist.Turns) != 2 {
		t.Fatalf("Expected 2 turns, got %+v", hist.Turns)
	}
	if hist.Turns[1].Content != "Hi there" {
		t.Errorf("Unexpected assistant turn: %+v", hist.Turns[1])
	}
}

func TestChatStreamSSE(t *testing.T) {
	srv, _ := newTestServer(t, llms.ScriptedResponse{Chunks: []string{"Hi", " there"}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/chat/stream?session_id=S1&message=hello")
	if err != nil {
		t.Fatalf("GET stream failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Unexpected content type %q", ct)
	}

	var body strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}

	text := body.String()
	if !strings.Contains(text, `data: {"type":"chunk","text":"Hi"}`) {
		t.Errorf("Missing first chunk frame in:\n%s", text)
	}
	if !strings.Contains(text, "event: done\ndata: [DONE]") {
		t.Errorf("Missing done frame in:\n%s", text)
	}
}

func TestDeleteHistoryIsIdempotent(t *testing.T) {
	srv, store := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if err := store.Append("S1", session.Turn{Role: session.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/history/S1", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("Expected 204, got %d", resp.StatusCode)
		}
	}

	turns, _ := store.History("S1")
	if len(turns) != 0 {
		t.Errorf("Expected empty history, got %+v", turns)
	}
}

func TestInvalidSessionIDRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		strings.NewReader(`{"session_id":"has space","message":"hello"}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestIngestKnowledge(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/knowledge", "application/json",
		strings.NewReader(`{"text":"Paris is the capital of France","metadata":{"source":"manual"}}`))
	if err != nil {
		t.Fatalf("POST /api/knowledge failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out["id"] == "" {
		t.Error("Expected passage id")
	}
}

func TestListTools(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/tools")
	if err != nil {
		t.Fatalf("GET /api/tools failed: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Tools []tools.ToolInfo `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(out.Tools) != 1 || out.Tools[0].Name != "execute_command" {
		t.Errorf("Unexpected tools: %+v", out.Tools)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}
