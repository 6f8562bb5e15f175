// Package stt implements the recognize operation of the External-Speech-API
// Client: hand-rolled REST clients satisfying
// pipeline.STTProvider, in the style of the other STT clients here.
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

// GroqSTT recognizes speech via Groq's hosted Whisper endpoint.
type GroqSTT struct {
	apiKey     string
	url        string
	model      string
	sampleRate int
	client     *http.Client
}

// NewGroqSTT constructs a GroqSTT client. model defaults to
// "whisper-large-v3-turbo" when empty.
func NewGroqSTT(apiKey string, model string) *GroqSTT {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &GroqSTT{
		apiKey:     apiKey,
		url:        "https://api.groq.com/openai/v1/audio/transcriptions",
		model:      model,
		sampleRate: 16000,
		client:     http.DefaultClient,
	}
}

func (s *GroqSTT) Name() string { return "groq-stt" }

// Recognize implements pipeline.STTProvider. Groq's Whisper endpoint does
// not return a per-utterance confidence score, so a non-empty transcript is
// treated as full confidence and an empty one as zero, matching the
// "empty or below threshold -> no-op" contract the processor relies on.
func (s *GroqSTT) Recognize(ctx context.Context, pcm []byte, lang pipeline.Language) (string, float64, error) {
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
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
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
		return "", 0, &pipeline.TransientError{Op: "recognize", Err: fmt.Errorf("groq stt status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", 0, &pipeline.PermanentError{Op: "recognize", Err: fmt.Errorf("groq stt status %d: %s", resp.StatusCode, respBody)}
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

// shortCode strips a regional suffix ("he-IL" -> "he") since Groq's Whisper
// endpoint expects bare ISO-639-1 codes.
func shortCode(lang pipeline.Language) string {
	s := string(lang)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[:i]
	}
	return s
}
