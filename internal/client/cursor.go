package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// CursorStore persists the last processed event id per thread.
type CursorStore interface {
	Load(threadID string) (string, error)
	Save(threadID, eventID string) error
	Clear(threadID string) error
}

// MemoryCursorStore keeps cursors in process memory.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]string
}

// NewMemoryCursorStore returns an empty in-memory store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]string)}
}

// Load returns the cursor for threadID, or "" when none is stored.
func (s *MemoryCursorStore) Load(threadID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[threadID], nil
}

// Save records eventID as the cursor for threadID.
func (s *MemoryCursorStore) Save(threadID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[threadID] = eventID
	return nil
}

// Clear forgets the cursor for threadID.
func (s *MemoryCursorStore) Clear(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, threadID)
	return nil
}

// PebbleCursorStore keeps cursors on disk so they survive a restart of the
// watching process.
type PebbleCursorStore struct {
	db *pebble.DB
}

// OpenPebbleCursorStore opens (or creates) a cursor store in dir.
func OpenPebbleCursorStore(dir string) (*PebbleCursorStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cursor store: %w", err)
	}
	return &PebbleCursorStore{db: db}, nil
}

func cursorKey(threadID string) []byte {
	return []byte("cursor/" + threadID)
}

// Load returns the cursor for threadID, or "" when none is stored.
func (s *PebbleCursorStore) Load(threadID string) (string, error) {
	value, closer, err := s.db.Get(cursorKey(threadID))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	id := string(value)
	if err := closer.Close(); err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return id, nil
}

// Save durably writes eventID as the cursor for threadID.
func (s *PebbleCursorStore) Save(threadID, eventID string) error {
	if err := s.db.Set(cursorKey(threadID), []byte(eventID), pebble.Sync); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Clear deletes the cursor for threadID.
func (s *PebbleCursorStore) Clear(threadID string) error {
	if err := s.db.Delete(cursorKey(threadID), pebble.Sync); err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	return nil
}

// Close flushes and closes the store.
func (s *PebbleCursorStore) Close() error {
	return s.db.Close()
}
