package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

func TestGoogleProvider_Translate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"translations": []map[string]interface{}{
					{"translatedText": "hallo welt"},
				},
			},
		})
	}))
	defer server.Close()

	p := NewGoogleProvider("test-key")
	p.url = server.URL

	text, err := p.Translate(context.Background(), "hello world", pipeline.Language("en-US"), pipeline.Language("de-DE"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hallo welt" {
		t.Errorf("expected 'hallo welt', got %q", text)
	}
	if p.Name() != "google-translate" {
		t.Errorf("expected google-translate, got %s", p.Name())
	}
}

func TestGoogleProvider_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewGoogleProvider("test-key")
	p.url = server.URL

	_, err := p.Translate(context.Background(), "hi", pipeline.Language("en-US"), pipeline.Language("de-DE"), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*pipeline.TransientError); !ok {
		t.Errorf("expected TransientError, got %T", err)
	}
}

func TestGoogleProvider_ShortCode(t *testing.T) {
	if got := shortCode(pipeline.Language("en-US")); got != "en" {
		t.Errorf("expected 'en', got %q", got)
	}
	if got := shortCode(pipeline.Language("fr")); got != "fr" {
		t.Errorf("expected 'fr', got %q", got)
	}
}
