package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/lokutor-ai/lokutor-relay/pkg/audio"
	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// OpenAISTT recognizes speech via OpenAI's Whisper transcription endpoint.
// It is a hand-rolled REST client rather than the official openai-go SDK
// because the SDK's Audio.Transcriptions surface expects a multipart file
// upload the same shape as this raw request; translate providers are where
// the official SDK earns its keep (see pkg/providers/translate/openai.go).
type OpenAISTT struct {
	apiKey     string
	url        string
	model      string
	sampleRate int
	client     *http.Client
}

func NewOpenAISTT(apiKey string, model string) *OpenAISTT {
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAISTT{
		apiKey:     apiKey,
		url:        "https://api.openai.com/v1/audio/transcriptions",
		model:      model,
		sampleRate: 16000,
		client:     http.DefaultClient,
	}
}

func (s *OpenAISTT) Name() string { return "openai-stt" }

func (s *OpenAISTT) Recognize(ctx context.Context, pcm []byte, lang pipeline.Language) (string, float64, error) {
	wavData := audio.NewWavBuffer(pcm, s.sampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", s.model); err != nil {
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: err}
	}
	if lang != "" {
		if err := writer.WriteField("language", shortCode(lang)); err != nil {
			return "", 0, &pipeline.PermanentError{Op: "recognize", Err: err}
		}
	}

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: err}
	}
	if _, err := part.Write(wavData); err != nil {
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: err}
	}
	if err := writer.Close(); err != nil {
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, &pipeline.TransientError{Op: "recognize", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", 0, &pipeline.TransientError{Op: "recognize", Err: fmt.Errorf("openai stt status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: fmt.Errorf("openai stt status %d: %s", resp.StatusCode, respBody)}
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: err}
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", 0, nil
	}
	return text, 1.0, nil
}
