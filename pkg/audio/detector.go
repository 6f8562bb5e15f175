// Package audio implements the Speech-Detector and Per-Speaker Chunker:
// pure RMS-energy voice detection and a pause/max-length segmenter that
// turns a stream of PCM frames into discrete utterances.
package audio

import (
	"math"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// Detector classifies 16-bit little-endian PCM frames as voiced or silent
// from their RMS amplitude. It is pure and stateless; a single Detector can
// be shared across goroutines.
type Detector struct {
	threshold float64
}

// NewDetector constructs a Detector calibrated to the given RMS threshold
// (default ~350 on the int16 scale, see Config.RMSSilenceThreshold).
func NewDetector(threshold float64) *Detector {
	return &Detector{threshold: threshold}
}

// IsVoiced reports whether frame's RMS amplitude exceeds the threshold. It
// returns pipeline.ErrOddFrameLength rather than silently misreading a
// truncated sample, per the "reject rather than misread" rule.
func (d *Detector) IsVoiced(frame []byte) (bool, error) {
	if len(frame)%2 != 0 {
		return false, pipeline.ErrOddFrameLength
	}
	return rms(frame) > d.threshold, nil
}

// RMS returns the root-mean-square amplitude of frame on the int16 scale,
// without classifying it. Callers that only need the raw value (metrics,
// adaptive thresholds) use this directly; it never errors on odd length,
// the trailing byte is simply ignored, matching the original
// calculateRMS loop bound.
func RMS(frame []byte) float64 {
	return rms(frame)
}

func rms(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int16(frame[i]) | int16(frame[i+1])<<8
		sum += float64(sample) * float64(sample)
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
