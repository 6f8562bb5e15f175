package main

import "testing"

func TestJitterBuffer_WaitsForMinChunksBeforePlayback(t *testing.T) {
	j := newJitterBuffer(2, 8)
	out := make([]byte, 4)
	j.Push([]byte{1, 2, 3, 4})

	j.Read(out)
	for _, b := range out {
		if b != 0 {
			t.Fatalf("expected silence before min chunks buffered, got %v", out)
		}
	}

	j.Push([]byte{5, 6, 7, 8})
	j.Read(out)
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("Read() = %v, want %v", out, want)
		}
	}
}

func TestJitterBuffer_DropsOldestChunkPastCap(t *testing.T) {
	j := newJitterBuffer(1, 2)
	j.Push([]byte{1})
	j.Push([]byte{2})
	j.Push([]byte{3}) // cap is 2, chunk {1} should be dropped

	out := make([]byte, 1)
	j.Read(out)
	if out[0] != 2 {
		t.Fatalf("expected oldest chunk dropped, Read() = %v, want [2]", out)
	}
	j.Read(out)
	if out[0] != 3 {
		t.Fatalf("Read() = %v, want [3]", out)
	}
}

func TestJitterBuffer_PadsSilenceWhenBufferEmpty(t *testing.T) {
	j := newJitterBuffer(1, 8)
	j.Push([]byte{9})

	out := make([]byte, 3)
	j.Read(out)
	if out[0] != 9 || out[1] != 0 || out[2] != 0 {
		t.Fatalf("Read() = %v, want [9 0 0]", out)
	}
}
