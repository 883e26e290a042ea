// Package memory persists what the bot has already said: a bounded set of
// content hashes for exact dedupe and a bounded log of published texts for
// similarity sweeps. Both live as JSON files so the memory survives
// restarts without a database.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"herald/pkg/logging"

	"herald/internal/textnorm"
)

// MaxEntries bounds both the hash set and the text log. Oldest entries fall
// off first.
const MaxEntries = 500

const (
	hashesFile = "published_hashes.json"
	textsFile  = "published_texts.json"
)

// Entry is one published post as remembered on disk.
type Entry struct {
	Hash     string    `json:"hash"`
	Text     string    `json:"text"`
	Mode     string    `json:"mode,omitempty"`
	Topic    string    `json:"topic,omitempty"`
	PostedAt time.Time `json:"posted_at"`
}

// Store is the in-process memory, safe for concurrent use. Mutations touch
// only the in-memory state; Save writes it out.
type Store struct {
	mu      sync.Mutex
	dir     string
	hashes  map[string]struct{}
	order   []string // hash insertion order, oldest first
	entries []Entry  // oldest first, parallel bound to MaxEntries
	logger  logging.Logger
}

func NewStore(dir string, logger logging.Logger) *Store {
	return &Store{
		dir:    dir,
		hashes: make(map[string]struct{}),
		logger: logger,
	}
}

// Load reads both files from disk. A missing file is a first run; a corrupt
// file is logged and treated as empty rather than aborting startup.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	var hashes []string
	if ok := s.readJSON(hashesFile, &hashes); ok {
		for _, h := range hashes {
			if _, dup := s.hashes[h]; dup {
				continue
			}
			s.hashes[h] = struct{}{}
			s.order = append(s.order, h)
		}
	}

	var entries []Entry
	if ok := s.readJSON(textsFile, &entries); ok {
		s.entries = entries
	}

	// The text log backs the hash set too: a missing or stale hashes file
	// must not leave logged texts unguarded against exact reposts.
	for i := range s.entries {
		if s.entries[i].Hash == "" {
			s.entries[i].Hash = textnorm.ContentHash(s.entries[i].Text)
		}
		h := s.entries[i].Hash
		if _, dup := s.hashes[h]; !dup {
			s.hashes[h] = struct{}{}
			s.order = append(s.order, h)
		}
	}

	s.trimLocked()
	return nil
}

func (s *Store) readJSON(name string, v interface{}) bool {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("file", path).Warn("Failed to read memory file, starting empty")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.WithError(err).WithField("file", path).Warn("Corrupt memory file, starting empty")
		return false
	}
	return true
}

// Save writes both files atomically (write to temp, rename over).
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	if err := s.writeJSON(hashesFile, s.order); err != nil {
		return err
	}
	return s.writeJSON(textsFile, s.entries)
}

func (s *Store) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// RecordPublished remembers a post that made it out (or was confirmed a
// duplicate by the platform). It updates memory only; callers decide when
// to Save.
func (s *Store) RecordPublished(text, mode, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := textnorm.ContentHash(text)
	if _, dup := s.hashes[hash]; !dup {
		s.hashes[hash] = struct{}{}
		s.order = append(s.order, hash)
	}
	s.entries = append(s.entries, Entry{
		Hash:     hash,
		Text:     text,
		Mode:     mode,
		Topic:    topic,
		PostedAt: time.Now().UTC(),
	})
	s.trimLocked()
}

// Contains reports whether text's content hash is already remembered.
func (s *Store) Contains(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[textnorm.ContentHash(text)]
	return ok
}

// ContainsHash reports whether a precomputed content hash is remembered.
func (s *Store) ContainsHash(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[hash]
	return ok
}

// RecentTexts returns up to n most recent published texts, newest first.
func (s *Store) RecentTexts(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || len(s.entries) == 0 {
		return nil
	}
	if n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]string, 0, n)
	for i := len(s.entries) - 1; i >= len(s.entries)-n; i-- {
		out = append(out, s.entries[i].Text)
	}
	return out
}

// AllTexts returns every remembered text, oldest first, for history sweeps.
func (s *Store) AllTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Text
	}
	return out
}

// Len reports how many texts are remembered.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SeedFromTimeline folds previously published posts fetched from the
// platform into memory, deduplicating by hash. Returns how many were new.
func (s *Store) SeedFromTimeline(texts []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, text := range texts {
		hash := textnorm.ContentHash(text)
		if _, dup := s.hashes[hash]; dup {
			continue
		}
		s.hashes[hash] = struct{}{}
		s.order = append(s.order, hash)
		s.entries = append(s.entries, Entry{
			Hash:     hash,
			Text:     text,
			PostedAt: time.Now().UTC(),
		})
		added++
	}
	s.trimLocked()
	return added
}

// trimLocked evicts the oldest state beyond MaxEntries. The text log is
// trimmed first; the hash set then sheds only hashes no surviving text still
// carries, so every text left in the log keeps its exact-dedupe guard.
func (s *Store) trimLocked() {
	if over := len(s.entries) - MaxEntries; over > 0 {
		s.entries = append([]Entry(nil), s.entries[over:]...)
	}
	if len(s.order) <= MaxEntries {
		return
	}

	held := make(map[string]struct{}, len(s.entries))
	for _, e := range s.entries {
		held[e.Hash] = struct{}{}
	}
	evict := len(s.order) - MaxEntries
	kept := make([]string, 0, MaxEntries)
	for _, h := range s.order {
		if evict > 0 {
			if _, ok := held[h]; !ok {
				delete(s.hashes, h)
				evict--
				continue
			}
		}
		kept = append(kept, h)
	}
	s.order = kept
}
