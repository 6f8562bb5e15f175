package audio

import (
	"bytes"
	"math"
	"sync"
	"time"
)

// SelfEchoGuard detects when a participant's microphone is picking up their
// own synthesized translation audio rather than new speech. It only matters
// when Config.IncludeSpeaker is true: a recipient then legitimately receives
// their own voice translated and played back, and on devices with a shared
// speaker/mic (no headset) that playback can re-enter the Ingest Stream and
// be mistaken for a new utterance. Adapted from a single-agent echo
// suppressor that guarded against an assistant hearing its own TTS; here it
// guards a call participant's own delivered translation instead.
type SelfEchoGuard struct {
	mu            sync.Mutex
	playedBuf     bytes.Buffer
	maxBufBytes   int
	threshold     float64
	silenceWindow time.Duration
	lastPlayedAt  time.Time
	enabled       bool
}

// NewSelfEchoGuard constructs a guard with defaults tuned for 16kHz mono
// PCM (maxBufBytes covers ~2s of audio at that rate).
func NewSelfEchoGuard() *SelfEchoGuard {
	return &SelfEchoGuard{
		maxBufBytes:   64000,
		threshold:     0.55,
		silenceWindow: 1200 * time.Millisecond,
		enabled:       true,
	}
}

// SetEnabled toggles the guard; it should only run when IncludeSpeaker is on.
func (g *SelfEchoGuard) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
}

// RecordDelivered records audio just delivered to this participant so
// subsequent inbound frames can be checked against it.
func (g *SelfEchoGuard) RecordDelivered(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return
	}
	g.playedBuf.Write(pcm)
	g.lastPlayedAt = time.Now()
	if g.playedBuf.Len() > g.maxBufBytes {
		data := g.playedBuf.Bytes()
		trimmed := data[len(data)-g.maxBufBytes:]
		g.playedBuf.Reset()
		g.playedBuf.Write(trimmed)
	}
}

// IsLikelyEcho reports whether inbound correlates strongly with recently
// delivered audio, meaning it should be dropped rather than fed to the
// Chunker.
func (g *SelfEchoGuard) IsLikelyEcho(inbound []byte) bool {
	if len(inbound) == 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return false
	}
	if time.Since(g.lastPlayedAt) > g.silenceWindow {
		return false
	}
	played := g.playedBuf.Bytes()
	if len(played) == 0 {
		return false
	}
	return correlate(inbound, played) > g.threshold
}

func correlate(input, reference []byte) float64 {
	in := samplesOf(input)
	ref := samplesOf(reference)
	if len(in) == 0 || len(ref) == 0 {
		return 0
	}
	n := len(in)
	if n > len(ref) {
		n = len(ref)
	}
	refTail := ref[len(ref)-n:]

	var dot, inEnergy, refEnergy float64
	for i := 0; i < n; i++ {
		dot += in[i] * refTail[i]
		inEnergy += in[i] * in[i]
		refEnergy += refTail[i] * refTail[i]
	}
	if inEnergy == 0 || refEnergy == 0 {
		return 0
	}
	corr := dot / math.Sqrt(inEnergy*refEnergy)
	if corr < 0 {
		return 0
	}
	if corr > 1 {
		return 1
	}
	return corr
}

func samplesOf(data []byte) []float64 {
	samples := make([]float64, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		samples = append(samples, float64(sample)/32768.0)
	}
	return samples
}
