// Package config loads pipeline.Config from, in increasing precedence:
// compiled-in defaults (pipeline.DefaultConfig), an optional YAML file, and
// process environment variables. The .env-then-os.Getenv layering is
// modeled on a local agent binary's startup, which loads a .env file and
// falls back to whatever is already in the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// FileConfig mirrors pipeline.Config's tunables for YAML unmarshaling. Zero
// values mean "not set in the file" and are left at their prior value.
type FileConfig struct {
	PauseMS        *int `yaml:"pause_ms"`
	MaxUtteranceMS *int `yaml:"max_utterance_ms"`
	MinUtteranceMS *int `yaml:"min_utterance_ms"`

	RMSSilenceThreshold *float64 `yaml:"rms_silence_threshold"`

	APIWorkerPool                *int     `yaml:"api_worker_pool"`
	RecognizeTimeoutMS           *int     `yaml:"recognize_timeout_ms"`
	TranslateTimeoutMS           *int     `yaml:"translate_timeout_ms"`
	SynthesizeTimeoutMS          *int     `yaml:"synthesize_timeout_ms"`
	RecognizeConfidenceThreshold *float64 `yaml:"recognize_confidence_threshold"`

	TTSCacheEntries *int   `yaml:"tts_cache_entries"`
	TTSCacheBytes   *int64 `yaml:"tts_cache_bytes"`

	HeartbeatIntervalMS *int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  *int `yaml:"heartbeat_timeout_ms"`
	ReconnectGraceMS    *int `yaml:"reconnect_grace_ms"`
	MinBinaryFrameBytes *int `yaml:"min_binary_frame_bytes"`

	StreamBackpressureMax     *int `yaml:"stream_backpressure_max"`
	StreamVisibilityTimeoutMS *int `yaml:"stream_visibility_timeout_ms"`

	IncludeSpeaker *bool `yaml:"include_speaker"`

	TranscriptRetentionHours *int    `yaml:"transcript_retention_hours"`
	DatabaseURL              *string `yaml:"database_url"`
	JWTSigningKey            *string `yaml:"jwt_signing_key"`
	MetricsAddr              *string `yaml:"metrics_addr"`
	LogLevel                 *string `yaml:"log_level"`
}

// Load builds a pipeline.Config starting from pipeline.DefaultConfig,
// applying yamlPath's contents if non-empty, then applying environment
// variables. It calls godotenv.Load first (ignoring a missing .env file) so
// a developer's local .env is picked up the same way the CLI demo does.
func Load(yamlPath string) (pipeline.Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is the common case in production; proceed with
		// whatever is already in the process environment.
	}

	cfg := pipeline.DefaultConfig()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
		var fc FileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
		applyFile(&cfg, fc)
	}

	applyEnv(&cfg)

	return cfg, nil
}

func applyFile(cfg *pipeline.Config, fc FileConfig) {
	if fc.PauseMS != nil {
		cfg.PauseMS = *fc.PauseMS
	}
	if fc.MaxUtteranceMS != nil {
		cfg.MaxUtteranceMS = *fc.MaxUtteranceMS
	}
	if fc.MinUtteranceMS != nil {
		cfg.MinUtteranceMS = *fc.MinUtteranceMS
	}
	if fc.RMSSilenceThreshold != nil {
		cfg.RMSSilenceThreshold = *fc.RMSSilenceThreshold
	}
	if fc.APIWorkerPool != nil {
		cfg.APIWorkerPool = *fc.APIWorkerPool
	}
	if fc.RecognizeTimeoutMS != nil {
		cfg.RecognizeTimeout = time.Duration(*fc.RecognizeTimeoutMS) * time.Millisecond
	}
	if fc.TranslateTimeoutMS != nil {
		cfg.TranslateTimeout = time.Duration(*fc.TranslateTimeoutMS) * time.Millisecond
	}
	if fc.SynthesizeTimeoutMS != nil {
		cfg.SynthesizeTimeout = time.Duration(*fc.SynthesizeTimeoutMS) * time.Millisecond
	}
	if fc.RecognizeConfidenceThreshold != nil {
		cfg.RecognizeConfidenceThreshold = *fc.RecognizeConfidenceThreshold
	}
	if fc.TTSCacheEntries != nil {
		cfg.TTSCacheEntries = *fc.TTSCacheEntries
	}
	if fc.TTSCacheBytes != nil {
		cfg.TTSCacheBytes = *fc.TTSCacheBytes
	}
	if fc.HeartbeatIntervalMS != nil {
		cfg.HeartbeatIntervalMS = *fc.HeartbeatIntervalMS
	}
	if fc.HeartbeatTimeoutMS != nil {
		cfg.HeartbeatTimeoutMS = *fc.HeartbeatTimeoutMS
	}
	if fc.ReconnectGraceMS != nil {
		cfg.ReconnectGraceMS = *fc.ReconnectGraceMS
	}
	if fc.MinBinaryFrameBytes != nil {
		cfg.MinBinaryFrameBytes = *fc.MinBinaryFrameBytes
	}
	if fc.StreamBackpressureMax != nil {
		cfg.StreamBackpressureMax = *fc.StreamBackpressureMax
	}
	if fc.StreamVisibilityTimeoutMS != nil {
		cfg.StreamVisibilityTimeout = time.Duration(*fc.StreamVisibilityTimeoutMS) * time.Millisecond
	}
	if fc.IncludeSpeaker != nil {
		cfg.IncludeSpeaker = *fc.IncludeSpeaker
	}
	if fc.TranscriptRetentionHours != nil {
		cfg.TranscriptRetentionHours = *fc.TranscriptRetentionHours
	}
	if fc.DatabaseURL != nil {
		cfg.DatabaseURL = *fc.DatabaseURL
	}
	if fc.JWTSigningKey != nil {
		cfg.JWTSigningKey = *fc.JWTSigningKey
	}
	if fc.MetricsAddr != nil {
		cfg.MetricsAddr = *fc.MetricsAddr
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
}

// applyEnv reads the environment variable for every overridable field, in
// the SCREAMING_SNAKE_CASE convention used by the provider keys (GROQ_API_KEY etc.).
func applyEnv(cfg *pipeline.Config) {
	if v, ok := envInt("PAUSE_MS"); ok {
		cfg.PauseMS = v
	}
	if v, ok := envInt("MAX_UTTERANCE_MS"); ok {
		cfg.MaxUtteranceMS = v
	}
	if v, ok := envInt("MIN_UTTERANCE_MS"); ok {
		cfg.MinUtteranceMS = v
	}
	if v, ok := envFloat("RMS_SILENCE_THRESHOLD"); ok {
		cfg.RMSSilenceThreshold = v
	}
	if v, ok := envInt("API_WORKER_POOL"); ok {
		cfg.APIWorkerPool = v
	}
	if v, ok := envInt("RECOGNIZE_TIMEOUT_MS"); ok {
		cfg.RecognizeTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("TRANSLATE_TIMEOUT_MS"); ok {
		cfg.TranslateTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("SYNTHESIZE_TIMEOUT_MS"); ok {
		cfg.SynthesizeTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envFloat("RECOGNIZE_CONFIDENCE_THRESHOLD"); ok {
		cfg.RecognizeConfidenceThreshold = v
	}
	if v, ok := envInt("TTS_CACHE_ENTRIES"); ok {
		cfg.TTSCacheEntries = v
	}
	if v, ok := envInt64("TTS_CACHE_BYTES"); ok {
		cfg.TTSCacheBytes = v
	}
	if v, ok := envInt("HEARTBEAT_INTERVAL_MS"); ok {
		cfg.HeartbeatIntervalMS = v
	}
	if v, ok := envInt("HEARTBEAT_TIMEOUT_MS"); ok {
		cfg.HeartbeatTimeoutMS = v
	}
	if v, ok := envInt("RECONNECT_GRACE_MS"); ok {
		cfg.ReconnectGraceMS = v
	}
	if v, ok := envInt("MIN_BINARY_FRAME_BYTES"); ok {
		cfg.MinBinaryFrameBytes = v
	}
	if v, ok := envInt("STREAM_BACKPRESSURE_MAX"); ok {
		cfg.StreamBackpressureMax = v
	}
	if v, ok := envInt("STREAM_VISIBILITY_TIMEOUT_MS"); ok {
		cfg.StreamVisibilityTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envBool("INCLUDE_SPEAKER"); ok {
		cfg.IncludeSpeaker = v
	}
	if v, ok := envInt("TRANSCRIPT_RETENTION_HOURS"); ok {
		cfg.TranscriptRetentionHours = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SIGNING_KEY"); v != "" {
		cfg.JWTSigningKey = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
