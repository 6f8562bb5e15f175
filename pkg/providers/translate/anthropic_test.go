package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

func TestAnthropicProvider_Translate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "msg_1",
			"type":  "message",
			"role":  "assistant",
			"model": "claude-3-5-sonnet-20241022",
			"content": []map[string]interface{}{
				{"type": "text", "text": "bonjour le monde"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]interface{}{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("test-key", "", WithAnthropicBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	text, err := p.Translate(context.Background(), "hello world", pipeline.Language("en-US"), pipeline.Language("fr-FR"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "bonjour le monde" {
		t.Errorf("expected 'bonjour le monde', got %q", text)
	}
	if p.Name() != "anthropic-translate" {
		t.Errorf("expected anthropic-translate, got %s", p.Name())
	}
}

func TestAnthropicProvider_EmptyAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider("", "claude-3-5-sonnet-20241022"); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}
