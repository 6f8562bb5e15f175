// Package session implements the Session Orchestrator: one connected
// client's state machine (new -> authenticated -> joined -> closing ->
// closed), heartbeat liveness, mute/unmute, leave, and a reconnection grace
// window before a call's participant row is finalized as left.
//
// Each ManagedSession carries a non-blocking event channel, a
// sync.Once-guarded Close, and per-lifecycle timestamps.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lokutor-ai/lokutor-relay/pkg/callstate"
	"github.com/lokutor-ai/lokutor-relay/pkg/ingest"
	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
	"github.com/lokutor-ai/lokutor-relay/pkg/recipientmap"
)

// EventType is the kind of lifecycle event a ManagedSession emits.
type EventType string

const (
	EventJoined           EventType = "JOINED"
	EventLeft             EventType = "LEFT"
	EventMuted            EventType = "MUTED"
	EventUnmuted          EventType = "UNMUTED"
	EventClosing          EventType = "CLOSING"
	EventClosed           EventType = "CLOSED"
	EventHeartbeatTimeout EventType = "HEARTBEAT_TIMEOUT"
	EventError            EventType = "ERROR"
)

// Event is one lifecycle notification for a session.
type Event struct {
	Type      EventType
	SessionID string
	Data      interface{}
}

// Claims are the JWT payload verified at connect time.
type Claims struct {
	jwt.RegisteredClaims
	UserID     string `json:"user_id"`
	CallID     string `json:"call_id"`
	SpokenLang string `json:"spoken_lang"`
}

// ManagedSession wraps a pipeline.Session with the bookkeeping the
// Orchestrator needs: an event channel, heartbeat timestamps, and the
// reconnection grace-window deadline.
type ManagedSession struct {
	*pipeline.Session

	mu            sync.Mutex
	events        chan Event
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	lastHeartbeat time.Time
	graceDeadline time.Time
}

func newManagedSession(parent context.Context, sess *pipeline.Session) *ManagedSession {
	ctx, cancel := context.WithCancel(parent)
	return &ManagedSession{
		Session:       sess,
		events:        make(chan Event, 256),
		ctx:           ctx,
		cancel:        cancel,
		lastHeartbeat: time.Now(),
	}
}

// Events returns the channel of lifecycle events for this session.
func (m *ManagedSession) Events() <-chan Event { return m.events }

func (m *ManagedSession) emit(eventType EventType, data interface{}) {
	select {
	case <-m.ctx.Done():
		return
	default:
	}
	select {
	case m.events <- Event{Type: eventType, SessionID: m.ID, Data: data}:
	case <-m.ctx.Done():
	default:
	}
}

func (m *ManagedSession) touchHeartbeat() {
	m.mu.Lock()
	m.lastHeartbeat = time.Now()
	m.mu.Unlock()
}

func (m *ManagedSession) heartbeatAge() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastHeartbeat)
}

// Close tears down the session's event channel exactly once.
func (m *ManagedSession) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		close(m.events)
	})
}

// Orchestrator manages every ManagedSession for the process, enforcing
// authentication, heartbeat timeout, and the join/leave/reconnect state
// machine.
type Orchestrator struct {
	mu       sync.RWMutex
	sessions map[string]*ManagedSession

	cfg        pipeline.Config
	logger     pipeline.Logger
	jwtKey     []byte
	calls      *callstate.Store
	recipients *recipientmap.Map
	ingest     *ingest.Stream
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l pipeline.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func New(cfg pipeline.Config, jwtKey []byte, calls *callstate.Store, recipients *recipientmap.Map, stream *ingest.Stream, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:   make(map[string]*ManagedSession),
		cfg:        cfg,
		logger:     &pipeline.NoOpLogger{},
		jwtKey:     jwtKey,
		calls:      calls,
		recipients: recipients,
		ingest:     stream,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Authenticate verifies a bearer JWT and returns its claims. Connect calls
// this before creating a session; callers that want to authenticate
// independently (e.g. an HTTP middleware) may call it directly.
func (o *Orchestrator) Authenticate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return o.jwtKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, pipeline.ErrAuthFailed
	}
	return claims, nil
}

// Connect authenticates token and creates a new session in the
// "authenticated" state. The caller must still call Join to enter
// "joined".
func (o *Orchestrator) Connect(ctx context.Context, sessionID, token string) (*ManagedSession, error) {
	claims, err := o.Authenticate(token)
	if err != nil {
		return nil, err
	}

	sess := pipeline.NewSession(sessionID, claims.CallID, claims.UserID, pipeline.Canonicalize(pipeline.Language(claims.SpokenLang)))
	sess.SetState(pipeline.SessionAuthenticated)

	ms := newManagedSession(ctx, sess)

	o.mu.Lock()
	o.sessions[sessionID] = ms
	o.mu.Unlock()

	return ms, nil
}

// Join transitions an authenticated session into a call, persisting the
// participant row and invalidating the Recipient-Map's cache for that
// call.
func (o *Orchestrator) Join(ctx context.Context, sessionID string, dubbingRequired bool, voiceProfileRef string) error {
	ms, ok := o.get(sessionID)
	if !ok {
		return pipeline.ErrSessionNotFound
	}

	ms.SetState(pipeline.SessionJoined)

	if o.calls != nil {
		existing, err := o.calls.GetCall(ctx, ms.CallID)
		if err != nil {
			return fmt.Errorf("session: join: lookup call: %w", err)
		}
		if existing == nil {
			if err := o.calls.CreateCall(ctx, &pipeline.Call{ID: ms.CallID, Status: pipeline.CallOngoing}); err != nil {
				return fmt.Errorf("session: join: create call: %w", err)
			}
		}

		p := pipeline.Participant{
			CallID: ms.CallID, UserID: ms.UserID, SpokenLang: ms.SourceLang,
			DubbingRequired: dubbingRequired, VoiceProfileRef: voiceProfileRef,
			JoinedAt: time.Now(),
		}
		if err := o.calls.Join(ctx, p); err != nil {
			return fmt.Errorf("session: join: %w", err)
		}
	}
	if o.recipients != nil {
		o.recipients.Invalidate(ms.CallID)
	}

	ms.emit(EventJoined, nil)
	return nil
}

// Leave transitions a joined session out of the call. The participant row
// is marked left immediately; the reconnection grace window below governs
// only whether the *session* (not the participant row) can resume without
// re-authenticating, via BeginGrace/Reconnect.
func (o *Orchestrator) Leave(ctx context.Context, sessionID string) error {
	ms, ok := o.get(sessionID)
	if !ok {
		return pipeline.ErrSessionNotFound
	}

	if o.calls != nil {
		if err := o.calls.Leave(ctx, ms.CallID, ms.UserID); err != nil {
			return fmt.Errorf("session: leave: %w", err)
		}
	}
	if o.recipients != nil {
		o.recipients.Invalidate(ms.CallID)
	}

	ms.emit(EventLeft, nil)
	return nil
}

// SetMuted toggles a session's mute flag and emits the corresponding event.
func (o *Orchestrator) SetMuted(sessionID string, muted bool) error {
	ms, ok := o.get(sessionID)
	if !ok {
		return pipeline.ErrSessionNotFound
	}
	ms.SetMuted(muted)
	if muted {
		ms.emit(EventMuted, nil)
	} else {
		ms.emit(EventUnmuted, nil)
	}
	return nil
}

// Heartbeat records liveness for sessionID.
func (o *Orchestrator) Heartbeat(sessionID string) error {
	ms, ok := o.get(sessionID)
	if !ok {
		return pipeline.ErrSessionNotFound
	}
	ms.touchHeartbeat()
	return nil
}

// BeginGrace marks a session as disconnected-but-recoverable: it enters
// "closing" and has ReconnectGraceMS to Reconnect before Sweep finalizes
// the close.
func (o *Orchestrator) BeginGrace(sessionID string) error {
	ms, ok := o.get(sessionID)
	if !ok {
		return pipeline.ErrSessionNotFound
	}
	ms.SetState(pipeline.SessionClosing)
	ms.mu.Lock()
	ms.graceDeadline = time.Now().Add(time.Duration(o.cfg.ReconnectGraceMS) * time.Millisecond)
	ms.mu.Unlock()
	ms.emit(EventClosing, nil)
	return nil
}

// Reconnect resumes a session still within its grace window, returning it
// to "joined".
func (o *Orchestrator) Reconnect(sessionID string) error {
	ms, ok := o.get(sessionID)
	if !ok {
		return pipeline.ErrSessionNotFound
	}
	if ms.State() != pipeline.SessionClosing {
		return nil
	}
	ms.mu.Lock()
	expired := time.Now().After(ms.graceDeadline)
	ms.mu.Unlock()
	if expired {
		return fmt.Errorf("session: grace window expired for %q", sessionID)
	}
	ms.SetState(pipeline.SessionJoined)
	ms.touchHeartbeat()
	return nil
}

// Resume re-authenticates token and, if sessionID is still within its
// reconnection grace window, resumes that ManagedSession in place of a fresh
// Connect+Join. Callers fall back to Connect when this returns
// ErrSessionNotFound.
func (o *Orchestrator) Resume(sessionID, token string) (*ManagedSession, error) {
	claims, err := o.Authenticate(token)
	if err != nil {
		return nil, err
	}
	ms, ok := o.get(sessionID)
	if !ok || ms.State() != pipeline.SessionClosing {
		return nil, pipeline.ErrSessionNotFound
	}
	if ms.UserID != claims.UserID || ms.CallID != claims.CallID {
		return nil, pipeline.ErrAuthFailed
	}
	if err := o.Reconnect(sessionID); err != nil {
		return nil, err
	}
	return ms, nil
}

// Close finalizes a session: it transitions to "closed", removes it from
// the registry, and releases its resources.
func (o *Orchestrator) Close(ctx context.Context, sessionID string) {
	ms, ok := o.get(sessionID)
	if !ok {
		return
	}
	ms.SetState(pipeline.SessionClosed)
	ms.emit(EventClosed, nil)

	if o.ingest != nil {
		if depth := o.ingest.Depth(sessionID); depth > 0 {
			o.logger.Warn("session: closing with unconsumed ingest backlog", "session_id", sessionID, "depth", depth)
		}
	}

	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()

	ms.Close()
}

func (o *Orchestrator) get(sessionID string) (*ManagedSession, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ms, ok := o.sessions[sessionID]
	return ms, ok
}

// Sweep scans every session: one past its heartbeat timeout enters its
// reconnection grace window via BeginGrace, and one whose grace window has
// expired is closed. Callers run this on a ticker. onFinalize,
// if given, is called for each session whose grace window expired, before
// Close removes it from the registry — the server uses this to mark the
// participant row left and notify the rest of the call.
func (o *Orchestrator) Sweep(ctx context.Context, onFinalize ...func(*ManagedSession)) {
	o.mu.RLock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	timeout := time.Duration(o.cfg.HeartbeatTimeoutMS) * time.Millisecond
	for _, id := range ids {
		ms, ok := o.get(id)
		if !ok {
			continue
		}
		if ms.State() == pipeline.SessionClosing {
			ms.mu.Lock()
			expired := time.Now().After(ms.graceDeadline)
			ms.mu.Unlock()
			if expired {
				o.logger.Info("session: grace window expired, finalizing close", "session_id", id)
				for _, cb := range onFinalize {
					cb(ms)
				}
				o.Close(ctx, id)
			}
			continue
		}
		if ms.heartbeatAge() > timeout {
			ms.emit(EventHeartbeatTimeout, nil)
			o.logger.Warn("session: heartbeat timeout", "session_id", id)
			o.BeginGrace(id)
		}
	}
}
