package dlq

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore keeps entries in process memory. It does not survive restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}}
}

func (s *MemoryStore) Put(_ context.Context, entry Entry) error {
	if s == nil {
		return fmt.Errorf("dlq: memory store is not configured")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("dlq: entry id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	if s == nil {
		return Entry{}, fmt.Errorf("dlq: memory store is not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[strings.TrimSpace(id)]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return cloneEntry(entry), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	if s == nil {
		return nil, fmt.Errorf("dlq: memory store is not configured")
	}
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, cloneEntry(entry))
	}
	s.mu.RUnlock()
	return applyFilter(entries, filter), nil
}

func (s *MemoryStore) Update(_ context.Context, entry Entry) error {
	if s == nil {
		return fmt.Errorf("dlq: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; !ok {
		return ErrEntryNotFound
	}
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	if s == nil {
		return fmt.Errorf("dlq: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id = strings.TrimSpace(id)
	if _, ok := s.entries[id]; !ok {
		return ErrEntryNotFound
	}
	delete(s.entries, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
