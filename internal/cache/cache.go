// Package cache holds finished transcripts keyed by audio content so a
// repeated request for the same file, model, and language never reaches the
// transcription engine again.
//
// Eviction is LRU with a per-entry TTL. All exported methods are
// goroutine-safe.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/castwave/castwave/internal/asr"
)

// DefaultMaxEntries and DefaultTTL apply when the caller passes zero values.
const (
	DefaultMaxEntries = 100
	DefaultTTL        = 24 * time.Hour
)

// Key identifies one cached transcript. Two requests share an entry only
// when the audio bytes, the model, and the requested language all match.
type Key struct {
	// AudioHash is the MD5 of the source file contents, lowercase hex.
	AudioHash string

	// ModelID names the model size the transcript was produced with.
	ModelID string

	// Language is the requested language, "auto" when the caller let the
	// model detect it.
	Language string
}

// NewKey builds a Key, normalising an empty language to "auto" so detection
// requests share entries regardless of how the caller spelled the default.
func NewKey(audioHash, modelID, language string) Key {
	if language == "" {
		language = asr.LanguageAuto
	}
	return Key{AudioHash: audioHash, ModelID: modelID, Language: language}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int     `json:"entries"`
	MaxEntries  int     `json:"max_entries"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	HitRate     float64 `json:"hit_rate"`

	// MemoryBytes is a rough estimate of transcript memory held by live
	// entries; FileBytes sums the source file sizes they were produced from.
	MemoryBytes int64 `json:"memory_bytes"`
	FileBytes   int64 `json:"file_bytes"`
}

// entry is one cached transcript plus its bookkeeping.
type entry struct {
	key        Key
	transcript *asr.Transcript

	createdAt   time.Time
	lastAccess  time.Time
	accessCount uint64
	expiresAt   time.Time

	// memBytes estimates the transcript's in-memory footprint; fileBytes is
	// the size of the source audio file the transcript was produced from.
	memBytes  int64
	fileBytes int64
}

// estimateBytes approximates the heap footprint of a transcript: segment
// text plus the fixed per-segment struct overhead.
func estimateBytes(t *asr.Transcript) int64 {
	if t == nil {
		return 0
	}
	const segmentOverhead = 32 // two float64 + string header
	n := int64(len(t.DetectedLanguage))
	for _, s := range t.Segments {
		n += segmentOverhead + int64(len(s.Text))
	}
	return n
}

// Cache is a bounded LRU transcript cache with per-entry TTL.
type Cache struct {
	maxEntries int
	ttl        time.Duration

	mu      sync.Mutex
	entries map[Key]*list.Element
	// order holds *entry values, most recently used at the front.
	order *list.List

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	memBytes    int64
	fileBytes   int64

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a cache. Non-positive maxEntries or ttl select the defaults.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[Key]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// Get returns the cached transcript for key, or nil and false on a miss. An
// entry found past its TTL is removed on the spot and counts as both an
// expiration and a miss.
func (c *Cache) Get(key Key) (*asr.Transcript, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := el.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.removeLocked(el)
		c.expirations++
		c.misses++
		return nil, false
	}

	e.lastAccess = c.now()
	e.accessCount++
	c.order.MoveToFront(el)
	c.hits++
	return e.transcript, true
}

// Put stores transcript under key, overwriting any previous entry and
// evicting the least recently used entry when the cache is full. fileSize is
// the source file's size in bytes, carried into Stats. The new entry starts
// with one access on the books.
func (c *Cache) Put(key Key, transcript *asr.Transcript, fileSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	for c.order.Len() >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}

	now := c.now()
	e := &entry{
		key:         key,
		transcript:  transcript,
		createdAt:   now,
		lastAccess:  now,
		accessCount: 1,
		expiresAt:   now.Add(c.ttl),
		memBytes:    estimateBytes(transcript),
		fileBytes:   fileSize,
	}
	c.memBytes += e.memBytes
	c.fileBytes += e.fileBytes
	c.entries[key] = c.order.PushFront(e)
}

// Invalidate removes every entry produced from the file with the given
// content hash, across all model and language variants, and returns how many
// were dropped.
func (c *Cache) Invalidate(audioHash string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*entry); e.key.AudioHash == audioHash {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*list.Element)
	c.order.Init()
	c.memBytes = 0
	c.fileBytes = 0
}

// CleanupExpired removes every entry past its TTL and returns how many were
// dropped. Intended for a periodic sweep; Get handles lazily found expiries
// on its own.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*entry); now.After(e.expiresAt) {
			c.removeLocked(el)
			c.expirations++
			removed++
		}
		el = prev
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:     c.order.Len(),
		MaxEntries:  c.maxEntries,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		MemoryBytes: c.memBytes,
		FileBytes:   c.fileBytes,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, e.key)
	c.memBytes -= e.memBytes
	c.fileBytes -= e.fileBytes
}
