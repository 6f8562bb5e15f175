package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// DeepgramSTT recognizes speech via Deepgram's prerecorded listen endpoint.
type DeepgramSTT struct {
	apiKey     string
	url        string
	sampleRate int
	client     *http.Client
}

func NewDeepgramSTT(apiKey string) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey:     apiKey,
		url:        "https://api.deepgram.com/v1/listen",
		sampleRate: 16000,
		client:     http.DefaultClient,
	}
}

func (s *DeepgramSTT) Name() string { return "deepgram-stt" }

func (s *DeepgramSTT) Recognize(ctx context.Context, pcm []byte, lang pipeline.Language) (string, float64, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: err}
	}

	params := u.Query()
	params.Set("model", "nova-2")
	params.Set("smart_format", "true")
	if lang != "" {
		params.Set("language", shortCode(lang))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(pcm))
	if err != nil {
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: err}
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d; channels=1", s.sampleRate))

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, &pipeline.TransientError{Op: "recognize", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", 0, &pipeline.TransientError{Op: "recognize", Err: fmt.Errorf("deepgram status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: fmt.Errorf("deepgram status %d: %s", resp.StatusCode, respBody)}
	}

	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: err}
	}

	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", 0, nil
	}
	alt := result.Results.Channels[0].Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return "", 0, nil
	}
	return text, alt.Confidence, nil
}
