package audio

import "testing"

func TestSelfEchoGuard_DetectsRecentlyDeliveredAudio(t *testing.T) {
	g := NewSelfEchoGuard()
	pcm := voicedFrame()
	g.RecordDelivered(pcm)

	if !g.IsLikelyEcho(pcm) {
		t.Fatal("expected identical recently-delivered audio to be classified as echo")
	}
}

func TestSelfEchoGuard_DisabledNeverFlags(t *testing.T) {
	g := NewSelfEchoGuard()
	pcm := voicedFrame()
	g.RecordDelivered(pcm)
	g.SetEnabled(false)

	if g.IsLikelyEcho(pcm) {
		t.Fatal("disabled guard must never flag echo")
	}
}

func TestSelfEchoGuard_NoRecentPlaybackNeverFlags(t *testing.T) {
	g := NewSelfEchoGuard()
	if g.IsLikelyEcho(voicedFrame()) {
		t.Fatal("guard with no recorded playback must not flag echo")
	}
}
