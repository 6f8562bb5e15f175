package pipeline

import "time"

// Config is the full set of tunables controlling the pipeline, populated by
// pkg/config from compiled-in defaults, an optional YAML file, and
// environment variables, in increasing precedence.
type Config struct {
	// Per-speaker chunker
	PauseMS        int
	MaxUtteranceMS int
	MinUtteranceMS int

	// Speech-Detector
	RMSSilenceThreshold float64

	// External-Speech-API Client
	APIWorkerPool     int
	RecognizeTimeout  time.Duration
	TranslateTimeout  time.Duration
	SynthesizeTimeout time.Duration
	RecognizeConfidenceThreshold float64

	// TTS Cache
	TTSCacheEntries int
	TTSCacheBytes   int64

	// Session Orchestrator
	HeartbeatIntervalMS int
	HeartbeatTimeoutMS  int
	ReconnectGraceMS    int
	MinBinaryFrameBytes int

	// Ingest Stream
	StreamBackpressureMax int
	StreamVisibilityTimeout time.Duration

	// Recipient-Map policy: whether a speaker also receives their own
	// translated audio.
	IncludeSpeaker bool

	// Ambient stack
	TranscriptRetentionHours int
	DatabaseURL              string
	JWTSigningKey            string
	MetricsAddr              string
	LogLevel                 string
}

// DefaultConfig returns the built-in tunables before any YAML or env
// overrides are applied.
func DefaultConfig() Config {
	return Config{
		PauseMS:        400,
		MaxUtteranceMS: 2500,
		MinUtteranceMS: 150,

		RMSSilenceThreshold: 350,

		APIWorkerPool:                16,
		RecognizeTimeout:             6 * time.Second,
		TranslateTimeout:             3 * time.Second,
		SynthesizeTimeout:            4 * time.Second,
		RecognizeConfidenceThreshold: 0.4,

		TTSCacheEntries: 2048,
		TTSCacheBytes:   64 << 20, // 64 MiB

		HeartbeatIntervalMS: 5000,
		HeartbeatTimeoutMS:  30000,
		ReconnectGraceMS:    10000,
		MinBinaryFrameBytes: 100,

		StreamBackpressureMax:   256,
		StreamVisibilityTimeout: 5 * time.Second,

		IncludeSpeaker: false,

		TranscriptRetentionHours: 24 * 30,
		MetricsAddr:              ":9090",
		LogLevel:                 "info",
	}
}
