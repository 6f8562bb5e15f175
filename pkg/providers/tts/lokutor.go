// Package tts implements the synthesize operation of the External-Speech-API
// Client: providers satisfying pipeline.TTSProvider.
package tts

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// LokutorTTS streams synthesis requests over a reused websocket connection,
// reconnecting lazily whenever the prior connection was torn down by a
// failed read/write or by Abort.
type LokutorTTS struct {
	apiKey string
	host   string
	scheme string

	mu           sync.Mutex
	conn         *websocket.Conn
	activeCancel context.CancelFunc
}

func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{
		apiKey: apiKey,
		host:   "api.lokutor.com",
		scheme: "wss",
	}
}

func (t *LokutorTTS) Name() string { return "lokutor" }

func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return t.conn, nil
	}

	scheme := t.scheme
	if scheme == "" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: t.host, Path: "/ws", RawQuery: "api_key=" + t.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}

	t.conn = conn
	return conn, nil
}

// Synthesize implements pipeline.TTSProvider. voiceProfile selects the voice;
// an empty value falls back to the account default voice server-side.
func (t *LokutorTTS) Synthesize(ctx context.Context, text string, lang pipeline.Language, voiceProfile string) ([]byte, error) {
	var audio []byte
	err := t.StreamSynthesize(ctx, text, lang, voiceProfile, func(chunk []byte) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return audio, nil
}

func (t *LokutorTTS) StreamSynthesize(ctx context.Context, text string, lang pipeline.Language, voiceProfile string, onChunk func([]byte) error) error {
	conn, err := t.getConn(ctx)
	if err != nil {
		return &pipeline.TransientError{Op: "synthesize", Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.activeCancel = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.activeCancel != nil {
			t.activeCancel = nil
		}
		t.mu.Unlock()
		cancel()
	}()

	req := map[string]interface{}{
		"text":    text,
		"voice":   voiceProfile,
		"lang":    string(lang),
		"speed":   1.05,
		"steps":   5,
		"version": "versa-1.0",
	}

	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.dropConn(conn, "failed to write json")
		return &pipeline.TransientError{Op: "synthesize", Err: fmt.Errorf("failed to send synthesis request: %w", err)}
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			t.dropConn(conn, "failed to read")
			if ctx.Err() != nil {
				return fmt.Errorf("synthesis aborted: %w", ctx.Err())
			}
			return &pipeline.TransientError{Op: "synthesize", Err: fmt.Errorf("failed to read from lokutor: %w", err)}
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return &pipeline.PermanentError{Op: "synthesize", Err: fmt.Errorf("lokutor error: %s", msg)}
			}
		}
	}
}

// Abort cancels an in-flight synthesis stream, if any, and drops the
// underlying connection so the next call reconnects cleanly rather than
// resuming a protocol exchange left mid-frame.
func (t *LokutorTTS) Abort() error {
	t.mu.Lock()
	cancel := t.activeCancel
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "aborted")
	}
	return nil
}

func (t *LokutorTTS) dropConn(conn *websocket.Conn, reason string) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.Close(websocket.StatusAbnormalClosure, reason)
}

func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}
