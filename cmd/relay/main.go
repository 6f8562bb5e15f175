// Command relay is the process entrypoint for the translation relay: it
// wires every component (providers, stores, the Translation Processor, the
// Ingest Stream, the Delivery Bus, the Session Orchestrator) behind an
// HTTP/WebSocket server, following a single-binary wiring
// shape (env-driven provider selection, godotenv, fatal-on-missing-key)
// generalized from one local voice agent to many concurrent call sessions.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lokutor-ai/lokutor-relay/pkg/audio"
	"github.com/lokutor-ai/lokutor-relay/pkg/callstate"
	"github.com/lokutor-ai/lokutor-relay/pkg/config"
	"github.com/lokutor-ai/lokutor-relay/pkg/deliverybus"
	"github.com/lokutor-ai/lokutor-relay/pkg/ingest"
	"github.com/lokutor-ai/lokutor-relay/pkg/metrics"
	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
	"github.com/lokutor-ai/lokutor-relay/pkg/providers/stt"
	"github.com/lokutor-ai/lokutor-relay/pkg/providers/translate"
	"github.com/lokutor-ai/lokutor-relay/pkg/providers/tts"
	"github.com/lokutor-ai/lokutor-relay/pkg/recipientmap"
	"github.com/lokutor-ai/lokutor-relay/pkg/session"
	"github.com/lokutor-ai/lokutor-relay/pkg/transcript"
	"github.com/lokutor-ai/lokutor-relay/pkg/translation"
	"github.com/lokutor-ai/lokutor-relay/pkg/ttscache"
	"github.com/lokutor-ai/lokutor-relay/pkg/wsproto"
)

func main() {
	cfg, err := config.Load(os.Getenv("RELAY_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newSlogLogger(cfg.LogLevel)

	if cfg.JWTSigningKey == "" {
		logger.Error("JWT_SIGNING_KEY must be set")
		os.Exit(1)
	}

	mp, shutdownMetrics, err := metrics.InitProvider(context.Background(), "lokutor-relay")
	if err != nil {
		logger.Error("metrics: init failed", "error", err)
		os.Exit(1)
	}
	met, err := metrics.New(mp)
	if err != nil {
		logger.Error("metrics: instrument init failed", "error", err)
		os.Exit(1)
	}

	sttProvider, translateProvider, ttsProvider := buildProviders()

	var calls *callstate.Store
	var transcripts *transcript.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres: connect failed", "error", err)
			os.Exit(1)
		}
		calls = callstate.NewStore(pool)
		if err := calls.Migrate(context.Background()); err != nil {
			logger.Error("postgres: call-state migrate failed", "error", err)
			os.Exit(1)
		}
		transcripts = transcript.NewStore(pool, cfg.TranscriptRetentionHours, transcript.WithLogger(logger))
		if err := transcripts.Migrate(context.Background()); err != nil {
			logger.Error("postgres: transcript migrate failed", "error", err)
			os.Exit(1)
		}
		if _, err := transcripts.StartRetentionJob(""); err != nil {
			logger.Error("transcript: retention job failed to start", "error", err)
		}
	} else {
		logger.Warn("DATABASE_URL not set, running with in-memory recipient resolution only")
	}

	recipientStore := recipientStoreOrNil(calls)
	recipients := recipientmap.New(recipientStore, cfg.IncludeSpeaker)
	cache := ttscache.New(cfg.TTSCacheEntries, cfg.TTSCacheBytes)
	bus := deliverybus.New(64, deliverybus.WithLogger(logger))
	stream := ingest.New(cfg.StreamBackpressureMax, cfg.StreamVisibilityTimeout, ingest.WithLogger(logger))

	processor, err := translation.New(sttProvider, translateProvider, ttsProvider, cache, recipients, bus, transcripts, met, logger, cfg)
	if err != nil {
		logger.Error("translation: processor init failed", "error", err)
		os.Exit(1)
	}

	orch := session.New(cfg, []byte(cfg.JWTSigningKey), calls, recipients, stream, session.WithLogger(logger))

	srv := &server{
		cfg:       cfg,
		logger:    logger,
		orch:      orch,
		bus:       bus,
		stream:    stream,
		processor: processor,
		calls:     calls,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.sweepLoop(ctx)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/stream/{sessionID}", srv.handleStream)

	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: r}
	go func() {
		logger.Info("relay: listening", "addr", cfg.MetricsAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("relay: server error", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("relay: shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = shutdownMetrics(shutdownCtx)
}

// recipientStoreOrNil adapts a possibly-nil *callstate.Store to
// recipientmap.Store; a nil calls store means every call resolves to no
// recipients, which is the safe degraded behavior when no database is
// configured (e.g. local smoke testing).
func recipientStoreOrNil(calls *callstate.Store) recipientmap.Store {
	if calls == nil {
		return emptyStore{}
	}
	return calls
}

type emptyStore struct{}

func (emptyStore) ParticipantsForCall(ctx context.Context, callID string) ([]pipeline.Participant, error) {
	return nil, nil
}

func buildProviders() (pipeline.STTProvider, pipeline.TranslateProvider, pipeline.TTSProvider) {
	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	if lokutorKey == "" {
		log.Fatal("LOKUTOR_API_KEY must be set")
	}

	var sttP pipeline.STTProvider
	switch os.Getenv("STT_PROVIDER") {
	case "openai":
		sttP = stt.NewOpenAISTT(openaiKey, "whisper-1")
	case "deepgram":
		sttP = stt.NewDeepgramSTT(deepgramKey)
	default:
		sttP = stt.NewGroqSTT(groqKey, "")
	}

	var translateP pipeline.TranslateProvider
	switch os.Getenv("TRANSLATE_PROVIDER") {
	case "anthropic":
		p, err := translate.NewAnthropicProvider(anthropicKey, "claude-3-5-sonnet-20241022")
		if err != nil {
			log.Fatalf("anthropic translate provider: %v", err)
		}
		translateP = p
	case "google":
		translateP = translate.NewGoogleProvider(googleKey)
	default:
		p, err := translate.NewOpenAIProvider(openaiKey, "gpt-4o")
		if err != nil {
			log.Fatalf("openai translate provider: %v", err)
		}
		translateP = p
	}

	ttsP := tts.NewLokutorTTS(lokutorKey)

	return sttP, translateP, ttsP
}

type server struct {
	cfg       pipeline.Config
	logger    pipeline.Logger
	orch      *session.Orchestrator
	bus       *deliverybus.Bus
	stream    *ingest.Stream
	processor *translation.Processor
	calls     *callstate.Store

	mu          sync.Mutex
	connsByCall map[string]map[string]*websocket.Conn // callID -> userID -> conn, for control broadcast
}

func (s *server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.orch.Sweep(ctx, s.finalizeExpiredGrace)
		}
	}
}

// finalizeExpiredGrace marks ms's participant row left and notifies the rest
// of the call once its reconnection grace window has expired without a
// Resume. It runs from Sweep, not from handleStream's defer chain, because a
// session that is merely waiting out its grace window must not be marked
// left yet.
func (s *server) finalizeExpiredGrace(ms *session.ManagedSession) {
	if err := s.orch.Leave(context.Background(), ms.ID); err != nil {
		s.logger.Warn("relay: grace-expiry leave failed", "session_id", ms.ID, "error", err)
	}
	s.broadcastControl(context.Background(), ms.CallID, ms.UserID, wsproto.ParticipantEvent{Type: wsproto.TypeParticipantLeft, UserID: ms.UserID, CallID: ms.CallID})
	s.maybeEndCall(context.Background(), ms.CallID)
}

func (s *server) registerConn(callID, userID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connsByCall == nil {
		s.connsByCall = make(map[string]map[string]*websocket.Conn)
	}
	if s.connsByCall[callID] == nil {
		s.connsByCall[callID] = make(map[string]*websocket.Conn)
	}
	s.connsByCall[callID][userID] = conn
}

func (s *server) unregisterConn(callID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connsByCall[callID], userID)
}

func (s *server) broadcastControl(ctx context.Context, callID, exceptUserID string, v interface{}) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.connsByCall[callID]))
	for userID, c := range s.connsByCall[callID] {
		if userID == exceptUserID {
			continue
		}
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := wsproto.WriteJSON(ctx, c, v); err != nil {
			s.logger.Warn("relay: control broadcast failed", "call_id", callID, "error", err)
		}
	}
}

// maybeEndCall marks callID ended once every participant row for it is marked left,
// and notifies any still-connected sockets (a join/leave race can leave one
// briefly lingering) with call_ended so clients can tear down cleanly
// instead of waiting on a heartbeat timeout.
func (s *server) maybeEndCall(ctx context.Context, callID string) {
	if s.calls == nil {
		return
	}
	participants, err := s.calls.ParticipantsForCall(ctx, callID)
	if err != nil {
		return
	}
	for _, p := range participants {
		if !p.Left() {
			return
		}
	}
	if err := s.calls.UpdateCallStatus(ctx, callID, pipeline.CallEnded); err != nil {
		s.logger.Warn("relay: mark call ended failed", "call_id", callID, "error", err)
		return
	}
	s.broadcastControl(ctx, callID, "", wsproto.CallEnded{Type: wsproto.TypeCallEnded, CallID: callID})
}

// connectOrResume resumes sessionID if it is within its reconnection grace
// window, otherwise authenticates and creates a fresh session the normal
// way. The bool result reports whether it resumed an existing session (the
// caller must skip Join and the participant-joined broadcast in that case).
func (s *server) connectOrResume(ctx context.Context, sessionID, token string) (*session.ManagedSession, bool, error) {
	if ms, err := s.orch.Resume(sessionID, token); err == nil {
		return ms, true, nil
	}
	ms, err := s.orch.Connect(ctx, sessionID, token)
	if err != nil {
		return nil, false, err
	}
	return ms, false, nil
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	token := r.URL.Query().Get("token")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("relay: ws accept failed", "error", err)
		return
	}

	ctx := r.Context()

	ms, resumed, err := s.connectOrResume(ctx, sessionID, token)
	if err != nil {
		_ = wsproto.WriteJSON(ctx, conn, wsproto.ErrorMessage{Type: wsproto.TypeError, Message: "authentication failed"})
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	if !resumed {
		if err := s.orch.Join(ctx, sessionID, false, ""); err != nil {
			s.logger.Error("relay: join failed", "session_id", sessionID, "error", err)
			_ = wsproto.WriteJSON(ctx, conn, wsproto.ErrorMessage{Type: wsproto.TypeError, Message: "join failed"})
			conn.Close(websocket.StatusInternalError, "join failed")
			return
		}
	}

	s.registerConn(ms.CallID, ms.UserID, conn)
	defer s.unregisterConn(ms.CallID, ms.UserID)

	if !resumed {
		s.broadcastControl(ctx, ms.CallID, ms.UserID, wsproto.ParticipantEvent{Type: wsproto.TypeParticipantJoined, UserID: ms.UserID, CallID: ms.CallID})
	}

	explicitLeave := false
	defer func() {
		if explicitLeave {
			_ = s.orch.Leave(context.Background(), sessionID)
			s.orch.Close(context.Background(), sessionID)
			s.broadcastControl(context.Background(), ms.CallID, ms.UserID, wsproto.ParticipantEvent{Type: wsproto.TypeParticipantLeft, UserID: ms.UserID, CallID: ms.CallID})
			s.maybeEndCall(context.Background(), ms.CallID)
			return
		}
		// The websocket dropped without an explicit leave (network error, tab
		// close, page refresh). Hold the session open for ReconnectGraceMS
		// instead of tearing it down: a reconnecting client resumes it via
		// connectOrResume, and Sweep finalizes the close only if it doesn't.
		if err := s.orch.BeginGrace(sessionID); err != nil {
			s.logger.Warn("relay: begin grace failed", "session_id", sessionID, "error", err)
		}
	}()

	if err := wsproto.WriteJSON(ctx, conn, wsproto.Connected{Type: wsproto.TypeConnected, SessionID: ms.ID, CallLanguage: string(ms.SourceLang)}); err != nil {
		return
	}

	detector := audio.NewDetector(s.cfg.RMSSilenceThreshold)
	chunker := audio.NewChunker(ms.CallID, ms.UserID, ms.SourceLang, s.cfg, detector)
	echoGuard := audio.NewSelfEchoGuard()
	echoGuard.SetEnabled(s.cfg.IncludeSpeaker)

	deliveryCtx, cancelDelivery := context.WithCancel(ctx)
	defer cancelDelivery()
	sub := s.bus.Subscribe(ms.CallID)
	defer sub.Close()
	go s.forwardDeliveries(deliveryCtx, conn, ms, sub, echoGuard)

	var seq uint64
	for {
		msgType, payload, err := wsproto.ReadInbound(ctx, conn)
		if err != nil {
			return
		}

		_ = s.orch.Heartbeat(sessionID)

		switch msgType {
		case websocket.MessageBinary:
			if len(payload) < s.cfg.MinBinaryFrameBytes {
				continue
			}
			if echoGuard.IsLikelyEcho(payload) {
				continue
			}
			seq++
			s.stream.Publish(pipeline.PCMChunk{
				SessionID: sessionID, SpeakerID: ms.UserID, SourceLang: ms.SourceLang,
				Seq: seq, PCM: payload, EnqueuedAt: time.Now(),
			})
			if utt, err := chunker.Feed(payload, time.Now()); err == nil && utt != nil {
				go s.processUtterance(context.Background(), *utt)
			}
		case websocket.MessageText:
			if s.handleControl(ctx, conn, sessionID, ms, payload) {
				explicitLeave = true
				return
			}
		}
	}
}

// handleControl dispatches one control message and reports whether it was an
// explicit leave request, so handleStream's defer chain can tell that apart
// from an abrupt disconnect.
func (s *server) handleControl(ctx context.Context, conn *websocket.Conn, sessionID string, ms *session.ManagedSession, payload []byte) bool {
	var env wsproto.InboundEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return false
	}
	switch env.Type {
	case wsproto.TypeHeartbeat:
		_ = wsproto.WriteJSON(ctx, conn, map[string]string{"type": wsproto.TypeHeartbeatAck})
	case wsproto.TypeMute:
		var m wsproto.MuteMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return false
		}
		if err := s.orch.SetMuted(sessionID, m.Muted); err != nil {
			return false
		}
		s.broadcastControl(ctx, ms.CallID, "", wsproto.MuteStatusChanged{Type: wsproto.TypeMuteStatusChanged, UserID: ms.UserID, Muted: m.Muted})
	case wsproto.TypeLeave:
		conn.Close(websocket.StatusNormalClosure, "leave")
		return true
	}
	return false
}

func (s *server) processUtterance(ctx context.Context, utt pipeline.Utterance) {
	if _, err := s.processor.Process(ctx, utt); err != nil {
		s.logger.Warn("relay: utterance dropped", "call_id", utt.CallID, "speaker_id", utt.SpeakerID, "error", err)
	}
}

func (s *server) forwardDeliveries(ctx context.Context, conn *websocket.Conn, ms *session.ManagedSession, sub *deliverybus.Subscription, echoGuard *audio.SelfEchoGuard) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-sub.C():
			if !ok {
				return
			}
			for _, lr := range result.Languages {
				if !containsID(lr.RecipientIDs, ms.UserID) {
					continue
				}
				msg := wsproto.Translation{
					Type: wsproto.TypeTranslation, OriginalText: result.OriginalText, TranslatedText: lr.Text,
					SourceLang: string(result.SourceLang), TargetLang: string(lr.TargetLang),
					SpeakerID: result.SpeakerID, TimestampMS: result.TimestampMS,
				}
				if err := wsproto.WriteJSON(ctx, conn, msg); err != nil {
					return
				}
				if err := wsproto.WritePCM(ctx, conn, lr.AudioBytes); err != nil {
					return
				}
				echoGuard.RecordDelivered(lr.AudioBytes)
			}
		}
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
