// Package ttscache implements the TTS Cache: synthesized
// audio is keyed by (text, target_lang, voice_profile) so that repeated
// utterances across a call skip the synthesize worker entirely.
//
// groupcache/lru gives an entry-count-bounded cache but no byte budget, so
// this package layers a running byte counter and a second eviction pass on
// top of it to honor both TTSCacheEntries and TTSCacheBytes.
package ttscache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

const shardCount = 16

// Cache is a sharded, byte-and-entry-bounded cache of synthesized audio.
type Cache struct {
	shards      [shardCount]*shard
	maxBytes    int64
	maxEntries  int
}

type shard struct {
	mu        sync.Mutex
	lru       *lru.Cache
	bytesUsed int64
	maxBytes  int64
}

type entry struct {
	audio []byte
}

// New constructs a Cache. maxEntries and maxBytes are total budgets split
// evenly across shards; a zero maxEntries means unbounded by count.
func New(maxEntries int, maxBytes int64) *Cache {
	c := &Cache{maxBytes: maxBytes, maxEntries: maxEntries}
	perShardEntries := 0
	if maxEntries > 0 {
		perShardEntries = maxEntries / shardCount
		if perShardEntries < 1 {
			perShardEntries = 1
		}
	}
	perShardBytes := maxBytes / shardCount
	for i := range c.shards {
		s := &shard{maxBytes: perShardBytes}
		s.lru = &lru.Cache{
			MaxEntries: perShardEntries,
			OnEvicted: func(key lru.Key, value interface{}) {
				if e, ok := value.(*entry); ok {
					s.bytesUsed -= int64(len(e.audio))
				}
			},
		}
		c.shards[i] = s
	}
	return c
}

// Key is the cache key for one synthesized segment: text is lowercased and
// trimmed, and an empty voiceProfile is keyed as "default", so that
// casing/whitespace differences across providers or retries still hit the
// same cache entry.
func Key(text string, lang pipeline.Language, voiceProfile string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if voiceProfile == "" {
		voiceProfile = "default"
	}
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(lang))
	h.Write([]byte{0})
	h.Write([]byte(voiceProfile))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) shardFor(key string) *shard {
	if len(key) == 0 {
		return c.shards[0]
	}
	return c.shards[int(key[0])%shardCount]
}

// Get returns the cached audio for key, if present.
func (c *Cache) Get(key string) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*entry).audio, true
}

// Put stores audio under key, evicting by LRU until both the per-shard entry
// count and byte budget are satisfied.
func (c *Cache) Put(key string, audio []byte) {
	if len(audio) == 0 {
		return
	}
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove runs OnEvicted, which subtracts the previous entry's bytes.
	if _, ok := s.lru.Get(key); ok {
		s.lru.Remove(key)
	}

	s.lru.Add(key, &entry{audio: audio})
	s.bytesUsed += int64(len(audio))

	for s.maxBytes > 0 && s.bytesUsed > s.maxBytes && s.lru.Len() > 0 {
		s.lru.RemoveOldest()
	}
}

// Len returns the total number of cached entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.lru.Len()
		s.mu.Unlock()
	}
	return total
}
