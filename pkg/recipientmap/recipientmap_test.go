package recipientmap

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

func pastTime() time.Time { return time.Now().Add(-time.Hour) }

type fakeStore struct {
	calls        int
	participants []pipeline.Participant
}

func (f *fakeStore) ParticipantsForCall(ctx context.Context, callID string) ([]pipeline.Participant, error) {
	f.calls++
	return f.participants, nil
}

func TestMap_ResolveExcludesSpeakerByDefault(t *testing.T) {
	store := &fakeStore{participants: []pipeline.Participant{
		{CallID: "c1", UserID: "alice", SpokenLang: "en-US"},
		{CallID: "c1", UserID: "bob", SpokenLang: "es"},
		{CallID: "c1", UserID: "carol", SpokenLang: "es-ES"},
	}}
	m := New(store, false)

	targets, err := m.Resolve(context.Background(), "c1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := targets["en-US"]; ok {
		t.Error("expected speaker's own language excluded")
	}
	recipients := targets["es-ES"]
	if len(recipients) != 2 {
		t.Fatalf("expected 2 recipients for es-ES (canonicalized), got %d: %v", len(recipients), recipients)
	}
}

func TestMap_ResolveIncludesSpeakerWhenConfigured(t *testing.T) {
	store := &fakeStore{participants: []pipeline.Participant{
		{CallID: "c1", UserID: "alice", SpokenLang: "en-US"},
		{CallID: "c1", UserID: "bob", SpokenLang: "es-ES"},
	}}
	m := New(store, true)

	targets, err := m.Resolve(context.Background(), "c1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets["en-US"]) != 1 {
		t.Error("expected speaker included in own language's recipients")
	}
}

func TestMap_ExcludesLeftParticipants(t *testing.T) {
	store := &fakeStore{participants: []pipeline.Participant{
		{CallID: "c1", UserID: "alice", SpokenLang: "en-US"},
		{CallID: "c1", UserID: "bob", SpokenLang: "es-ES", LeftAt: pastTime()},
	}}
	m := New(store, false)

	targets, err := m.Resolve(context.Background(), "c1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 0 {
		t.Errorf("expected no recipients once the only other participant left, got %v", targets)
	}
}

func TestMap_CachesUntilInvalidated(t *testing.T) {
	store := &fakeStore{participants: []pipeline.Participant{
		{CallID: "c1", UserID: "alice", SpokenLang: "en-US"},
	}}
	m := New(store, false)

	m.Resolve(context.Background(), "c1", "alice")
	m.Resolve(context.Background(), "c1", "alice")
	if store.calls != 1 {
		t.Errorf("expected store hit once before invalidation, got %d", store.calls)
	}

	m.Invalidate("c1")
	m.Resolve(context.Background(), "c1", "alice")
	if store.calls != 2 {
		t.Errorf("expected store hit again after invalidation, got %d", store.calls)
	}
}
