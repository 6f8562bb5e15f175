package deliverybus

import (
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := New(4)
	sub := b.Subscribe("call-1")
	defer sub.Close()

	b.Publish(pipeline.TranslationResult{CallID: "call-1", UtteranceID: "u1"})

	select {
	case got := <-sub.C():
		if got.UtteranceID != "u1" {
			t.Errorf("expected u1, got %s", got.UtteranceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBus_PublishOnlyReachesMatchingCall(t *testing.T) {
	b := New(4)
	subA := b.Subscribe("call-a")
	defer subA.Close()
	subB := b.Subscribe("call-b")
	defer subB.Close()

	b.Publish(pipeline.TranslationResult{CallID: "call-a", UtteranceID: "u1"})

	select {
	case <-subB.C():
		t.Fatal("subscriber for call-b should not receive call-a's result")
	default:
	}

	select {
	case got := <-subA.C():
		if got.UtteranceID != "u1" {
			t.Errorf("expected u1, got %s", got.UtteranceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBus_FullChannelDropsWithoutBlocking(t *testing.T) {
	b := New(1)
	sub := b.Subscribe("call-1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		b.Publish(pipeline.TranslationResult{CallID: "call-1", UtteranceID: "u1"})
		b.Publish(pipeline.TranslationResult{CallID: "call-1", UtteranceID: "u2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}

func TestBus_CloseUnsubscribes(t *testing.T) {
	b := New(1)
	sub := b.Subscribe("call-1")
	if b.SubscriberCount("call-1") != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	sub.Close()
	if b.SubscriberCount("call-1") != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", b.SubscriberCount("call-1"))
	}
}
