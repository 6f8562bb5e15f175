package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// GoogleProvider translates via the Cloud Translation v2 REST API, following
// the same hand-rolled-REST idiom used by the STT providers in
// pkg/providers/stt rather than pulling in a dedicated client SDK (the other
// providers in this package use SDK clients).
type GoogleProvider struct {
	apiKey string
	url    string
	client *http.Client
}

func NewGoogleProvider(apiKey string) *GoogleProvider {
	return &GoogleProvider{
		apiKey: apiKey,
		url:    "https://translation.googleapis.com/language/translate/v2",
		client: http.DefaultClient,
	}
}

func (p *GoogleProvider) Name() string { return "google-translate" }

func (p *GoogleProvider) Translate(ctx context.Context, text string, source, target pipeline.Language, contextSnippet string) (string, error) {
	payload := buildPrompt(text, source, target, contextSnippet)

	body, err := json.Marshal(map[string]interface{}{
		"q":      payload,
		"source": shortCode(source),
		"target": shortCode(target),
		"format": "text",
	})
	if err != nil {
		return "", &pipeline.PermanentError{Op: "translate", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"?key="+p.apiKey, bytes.NewReader(body))
	if err != nil {
		return "", &pipeline.PermanentError{Op: "translate", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &pipeline.TransientError{Op: "translate", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", &pipeline.TransientError{Op: "translate", Err: fmt.Errorf("google translate status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &pipeline.PermanentError{Op: "translate", Err: fmt.Errorf("google translate status %d: %s", resp.StatusCode, respBody)}
	}

	var result struct {
		Data struct {
			Translations []struct {
				TranslatedText string `json:"translatedText"`
			} `json:"translations"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &pipeline.PermanentError{Op: "translate", Err: err}
	}
	if len(result.Data.Translations) == 0 {
		return "", &pipeline.PermanentError{Op: "translate", Err: fmt.Errorf("google translate: no translations returned")}
	}
	return strings.TrimSpace(result.Data.Translations[0].TranslatedText), nil
}

// shortCode strips a regional suffix; Cloud Translation v2 expects bare
// ISO-639-1 source/target codes.
func shortCode(lang pipeline.Language) string {
	s := string(lang)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[:i]
	}
	return s
}
