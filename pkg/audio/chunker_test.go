package audio

import (
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

func silentFrame() []byte { return make([]byte, 320) }
func voicedFrame() []byte {
	f := make([]byte, 320)
	for i := range f {
		if i%2 == 0 {
			f[i] = 0xff
		} else {
			f[i] = 0x7f
		}
	}
	return f
}

func newTestChunker() *Chunker {
	cfg := pipeline.DefaultConfig()
	return NewChunker("call-1", "speaker-1", "he-IL", cfg, NewDetector(cfg.RMSSilenceThreshold))
}

// TestChunker_PauseSegmentation mirrors  scenario 4: 0.3s
// voiced + 0.45s silence + 0.3s voiced + 0.45s silence should emit two
// utterances in order, each about 0.3s of speech plus the 0.4s pause that
// closes it (the second also carries the silence buffered before its speech).
func TestChunker_PauseSegmentation(t *testing.T) {
	c := newTestChunker()
	start := time.Unix(0, 0)

	step := 10 * time.Millisecond
	var utterances []*pipeline.Utterance

	feed := func(voiced bool, span time.Duration, now *time.Time) {
		for elapsed := time.Duration(0); elapsed < span; elapsed += step {
			f := silentFrame()
			if voiced {
				f = voicedFrame()
			}
			u, _ := c.Feed(f, *now)
			if u != nil {
				utterances = append(utterances, u)
			}
			*now = now.Add(step)
		}
	}

	now := start
	feed(true, 300*time.Millisecond, &now)
	feed(false, 450*time.Millisecond, &now)
	feed(true, 300*time.Millisecond, &now)
	feed(false, 450*time.Millisecond, &now)

	if len(utterances) != 2 {
		t.Fatalf("expected 2 utterances, got %d", len(utterances))
	}
	for i, u := range utterances {
		if u.Duration() < 250*time.Millisecond || u.Duration() > 750*time.Millisecond {
			t.Errorf("utterance %d duration out of expected range: %v", i, u.Duration())
		}
	}
	if !utterances[0].EndTS.Before(utterances[1].StartTS) || utterances[0].EndTS.Equal(utterances[1].StartTS) {
		if utterances[0].StartTS.After(utterances[1].StartTS) {
			t.Fatal("utterances emitted out of order")
		}
	}
}

// TestChunker_MaxLengthBoundary verifies that continuous voiced input with no
// pause is emitted once it reaches MaxUtteranceMS.
func TestChunker_MaxLengthBoundary(t *testing.T) {
	c := newTestChunker()
	now := time.Unix(0, 0)
	step := 50 * time.Millisecond

	var got *pipeline.Utterance
	for elapsed := time.Duration(0); elapsed < 3*time.Second; elapsed += step {
		u, _ := c.Feed(voicedFrame(), now)
		if u != nil {
			got = u
			break
		}
		now = now.Add(step)
	}

	if got == nil {
		t.Fatal("expected an utterance to be emitted at the max-length boundary")
	}
	if got.Duration() < 2400*time.Millisecond || got.Duration() > 2600*time.Millisecond {
		t.Errorf("expected duration near MaxUtteranceMS, got %v", got.Duration())
	}
}

// TestChunker_BelowMinimumDiscarded verifies that a silence-triggered
// emission below MinUtteranceMS is discarded rather than published.
func TestChunker_BelowMinimumDiscarded(t *testing.T) {
	c := newTestChunker()
	now := time.Unix(0, 0)

	// A single short voiced blip followed immediately by enough silence to
	// trigger the pause boundary; the voiced part is under 150ms.
	u, _ := c.Feed(voicedFrame(), now)
	if u != nil {
		t.Fatal("did not expect an utterance yet")
	}
	now = now.Add(50 * time.Millisecond)

	for elapsed := time.Duration(0); elapsed < 500*time.Millisecond; elapsed += 10 * time.Millisecond {
		now = now.Add(10 * time.Millisecond)
		u, _ = c.Feed(silentFrame(), now)
		if u != nil {
			t.Fatal("utterance below minimum length must be discarded, not emitted")
		}
	}
}

// TestChunker_MalformedFrameDoesNotCorruptState verifies an odd-length frame
// is dropped with a counter increment and does not break subsequent
// segmentation.
func TestChunker_MalformedFrameDoesNotCorruptState(t *testing.T) {
	c := newTestChunker()
	now := time.Unix(0, 0)

	u, err := c.Feed([]byte{0x01, 0x02, 0x03}, now)
	if err != nil {
		t.Fatalf("Feed should not surface odd-frame errors to the caller: %v", err)
	}
	if u != nil {
		t.Fatal("malformed frame must not emit an utterance")
	}
	if c.DroppedFrames() != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", c.DroppedFrames())
	}

	// Normal segmentation still works afterward.
	var got *pipeline.Utterance
	for elapsed := time.Duration(0); elapsed < 3*time.Second; elapsed += 50 * time.Millisecond {
		now = now.Add(50 * time.Millisecond)
		u, _ := c.Feed(voicedFrame(), now)
		if u != nil {
			got = u
			break
		}
	}
	if got == nil {
		t.Fatal("expected chunker to resume normal segmentation after a malformed frame")
	}
}

func TestChunker_Flush(t *testing.T) {
	c := newTestChunker()
	now := time.Unix(0, 0)
	c.Feed(voicedFrame(), now)
	now = now.Add(200 * time.Millisecond)
	c.Feed(voicedFrame(), now)
	now = now.Add(200 * time.Millisecond)

	u := c.Flush(now)
	if u == nil {
		t.Fatal("expected Flush to emit the buffered utterance")
	}
}
