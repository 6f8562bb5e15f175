package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

func TestOpenAIProvider_Translate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]interface{}{
				{
					"index": 0,
					"message": map[string]interface{}{
						"role":    "assistant",
						"content": "hola mundo",
					},
					"finish_reason": "stop",
				},
			},
		})
	}))
	defer server.Close()

	p, err := NewOpenAIProvider("test-key", "", WithOpenAIBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	text, err := p.Translate(context.Background(), "hello world", pipeline.Language("en-US"), pipeline.Language("es-ES"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hola mundo" {
		t.Errorf("expected 'hola mundo', got %q", text)
	}
	if p.Name() != "openai-translate" {
		t.Errorf("expected openai-translate, got %s", p.Name())
	}
}

func TestOpenAIProvider_EmptyAPIKey(t *testing.T) {
	if _, err := NewOpenAIProvider("", "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}
