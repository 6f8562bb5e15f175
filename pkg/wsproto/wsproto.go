// Package wsproto defines the client wire protocol: the
// JSON control/event message shapes exchanged over a coder/websocket
// connection, plus the binary PCM framing rules shared by both directions.
package wsproto

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// MinBinaryFrameBytes is the default cutoff below which an inbound PCM
// frame is dropped rather than forwarded to the Ingest Stream. cmd/relay
// reads pipeline.Config.MinBinaryFrameBytes instead; nothing in this module
// reads this constant.
const MinBinaryFrameBytes = 100

// Inbound message types (client -> server JSON).
const (
	TypeHeartbeat = "heartbeat"
	TypeMute      = "mute"
	TypeLeave     = "leave"
)

// Outbound message types (server -> client JSON).
const (
	TypeConnected           = "connected"
	TypeTranslation         = "translation"
	TypeInterimTranscript   = "interim_transcript"
	TypeHeartbeatAck        = "heartbeat_ack"
	TypeParticipantJoined   = "participant_joined"
	TypeParticipantLeft     = "participant_left"
	TypeMuteStatusChanged   = "mute_status_changed"
	TypeCallEnded           = "call_ended"
	TypeError               = "error"
)

// InboundEnvelope is decoded first to dispatch on Type before unmarshaling
// the full message.
type InboundEnvelope struct {
	Type string `json:"type"`
}

// MuteMessage is the client's mute/unmute control frame.
type MuteMessage struct {
	Type  string `json:"type"`
	Muted bool   `json:"muted"`
}

// Connected is the welcome message sent immediately after a session joins.
type Connected struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	CallLanguage string `json:"call_language"`
}

// Translation is one recipient-facing caption for a delivered utterance.
type Translation struct {
	Type           string `json:"type"`
	OriginalText   string `json:"original_text"`
	TranslatedText string `json:"translated_text"`
	SourceLang     string `json:"source_lang"`
	TargetLang     string `json:"target_lang"`
	SpeakerID      string `json:"speaker_id"`
	TimestampMS    int64  `json:"timestamp_ms"`
}

// InterimTranscript is an optional partial-recognition update, always in
// the speaker's own source language.
type InterimTranscript struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	SourceLang string  `json:"source_lang"`
	SpeakerID  string  `json:"speaker_id"`
	Confidence float64 `json:"confidence"`
}

// ParticipantEvent reports a join or leave for participant_joined/left.
type ParticipantEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	CallID string `json:"call_id"`
}

// MuteStatusChanged broadcasts a participant's new mute state.
type MuteStatusChanged struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Muted  bool   `json:"muted"`
}

// CallEnded notifies every remaining session that the call has ended.
type CallEnded struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

// ErrorMessage reports a fatal or advisory error to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ReadInbound reads one frame from conn and returns its websocket message
// type and raw payload. It does not decode JSON; callers branch on msgType
// (binary for PCM, text for JSON control messages) and unmarshal themselves.
func ReadInbound(ctx context.Context, conn *websocket.Conn) (msgType websocket.MessageType, payload []byte, err error) {
	msgType, payload, err = conn.Read(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("wsproto: read: %w", err)
	}
	return msgType, payload, nil
}

// WriteJSON writes v as a JSON text frame.
func WriteJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	if err := wsjson.Write(ctx, conn, v); err != nil {
		return fmt.Errorf("wsproto: write json: %w", err)
	}
	return nil
}

// WritePCM writes raw PCM as a binary frame.
func WritePCM(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("wsproto: write pcm: %w", err)
	}
	return nil
}
