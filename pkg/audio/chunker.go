package audio

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// Chunker is the Per-Speaker Chunker: it consumes a stream of PCM
// frames for one speaker and emits Utterances at pause or max-length
// boundaries. A Chunker is owned exclusively by the worker processing one
// (session, speaker) pair; it is not safe for concurrent Feed calls.
type Chunker struct {
	detector *Detector

	pause        time.Duration
	maxUtterance time.Duration
	minUtterance time.Duration

	callID    string
	speakerID string
	lang      pipeline.Language

	buf          bytes.Buffer
	firstTS      time.Time
	lastVoicedTS time.Time
	hadVoice     bool

	droppedFrames int
}

// NewChunker constructs a Chunker for one (call, speaker) pair using the
// durations named in Config (PAUSE_MS, MAX_UTTERANCE_MS, MIN_UTTERANCE_MS).
func NewChunker(callID, speakerID string, lang pipeline.Language, cfg pipeline.Config, detector *Detector) *Chunker {
	return &Chunker{
		detector:     detector,
		pause:        time.Duration(cfg.PauseMS) * time.Millisecond,
		maxUtterance: time.Duration(cfg.MaxUtteranceMS) * time.Millisecond,
		minUtterance: time.Duration(cfg.MinUtteranceMS) * time.Millisecond,
		callID:       callID,
		speakerID:    speakerID,
		lang:         lang,
	}
}

// Feed appends frame to the buffer and returns an Utterance if a pause or
// max-length boundary fires. Malformed frames (odd length) are dropped with
// a counter increment, without corrupting the Chunker's state.
func (c *Chunker) Feed(frame []byte, now time.Time) (*pipeline.Utterance, error) {
	voiced, err := c.detector.IsVoiced(frame)
	if err != nil {
		c.droppedFrames++
		return nil, nil
	}

	if c.buf.Len() == 0 {
		c.firstTS = now
	}
	c.buf.Write(frame)
	if voiced {
		c.hadVoice = true
		c.lastVoicedTS = now
	}

	duration := now.Sub(c.firstTS)

	// Tie-break: max-length fires before pause when both conditions hold in
	// the same frame.
	if duration >= c.maxUtterance {
		return c.emit(now, frame, voiced), nil
	}

	if c.hadVoice && !c.lastVoicedTS.IsZero() && now.Sub(c.lastVoicedTS) >= c.pause {
		// A silence-triggered emission is measured by its span up to the last
		// voiced frame, excluding the trailing pause; below minUtterance it is
		// discarded and state reset.
		if c.lastVoicedTS.Sub(c.firstTS) < c.minUtterance {
			c.reset()
			return nil, nil
		}
		return c.emit(now, frame, voiced), nil
	}

	return nil, nil
}

// Flush emits whatever is buffered, used on session close.
func (c *Chunker) Flush(now time.Time) *pipeline.Utterance {
	if c.buf.Len() == 0 {
		return nil
	}
	return c.emit(now, nil, false)
}

// DroppedFrames returns the count of malformed frames discarded so far.
func (c *Chunker) DroppedFrames() int {
	return c.droppedFrames
}

// emit finalizes the current buffer into an Utterance (if it meets the
// minimum length) and resets state. triggerFrame/triggerVoiced describe the
// frame that caused the boundary, which is retained as the seed of the next
// utterance only if it was voiced.
func (c *Chunker) emit(now time.Time, triggerFrame []byte, triggerVoiced bool) *pipeline.Utterance {
	start := c.firstTS
	pcm := make([]byte, c.buf.Len())
	copy(pcm, c.buf.Bytes())

	c.reset()

	if now.Sub(start) < c.minUtterance {
		return nil
	}

	if triggerVoiced && len(triggerFrame) > 0 {
		c.buf.Write(triggerFrame)
		c.firstTS = now
		c.hadVoice = true
		c.lastVoicedTS = now
	}

	return &pipeline.Utterance{
		ID:         uuid.NewString(),
		CallID:     c.callID,
		SpeakerID:  c.speakerID,
		SourceLang: c.lang,
		PCM:        pcm,
		StartTS:    start,
		EndTS:      now,
	}
}

func (c *Chunker) reset() {
	c.buf.Reset()
	c.firstTS = time.Time{}
	c.lastVoicedTS = time.Time{}
	c.hadVoice = false
}
