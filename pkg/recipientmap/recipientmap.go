// Package recipientmap implements the Recipient-Map:
// given a call and a speaking participant, it resolves the set of target
// languages and, per language, the recipient user ids that should receive a
// translation. Entries are cached per call and invalidated whenever a
// participant joins or leaves, mirroring the RWMutex read-heavy/write-rare
// locking idiom pkg/pipeline.Session already uses for its own state.
package recipientmap

import (
	"context"
	"sync"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// Store is the minimal participant lookup the Recipient-Map needs from the
// Call-State Store; it is satisfied by *callstate.Store.
type Store interface {
	ParticipantsForCall(ctx context.Context, callID string) ([]pipeline.Participant, error)
}

// Map resolves (call, speaker) to per-target-language recipient lists.
type Map struct {
	store          Store
	includeSpeaker bool

	mu    sync.RWMutex
	cache map[string][]pipeline.Participant // callID -> participants as read from the store, left ones included
}

func New(store Store, includeSpeaker bool) *Map {
	return &Map{
		store:          store,
		includeSpeaker: includeSpeaker,
		cache:          make(map[string][]pipeline.Participant),
	}
}

// Resolve returns, for the given call and speaker, the set of target
// languages and the recipient user ids for each. The speaker is excluded as
// a recipient unless includeSpeaker was set at construction (default off);
// the speaker's language still appears when another participant speaks it.
func (m *Map) Resolve(ctx context.Context, callID, speakerUserID string) (map[pipeline.Language][]string, error) {
	participants, err := m.get(ctx, callID)
	if err != nil {
		return nil, err
	}

	out := make(map[pipeline.Language][]string)
	for _, p := range participants {
		if p.Left() {
			continue
		}
		if p.UserID == speakerUserID && !m.includeSpeaker {
			continue
		}
		lang := pipeline.Canonicalize(p.SpokenLang)
		out[lang] = append(out[lang], p.UserID)
	}
	return out, nil
}

func (m *Map) get(ctx context.Context, callID string) ([]pipeline.Participant, error) {
	m.mu.RLock()
	cached, ok := m.cache[callID]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	participants, err := m.store.ParticipantsForCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[callID] = participants
	m.mu.Unlock()
	return participants, nil
}

// Invalidate drops the cached participant list for callID. Callers invoke
// this whenever a participant joins, leaves, or changes SpokenLang.
func (m *Map) Invalidate(callID string) {
	m.mu.Lock()
	delete(m.cache, callID)
	m.mu.Unlock()
}
