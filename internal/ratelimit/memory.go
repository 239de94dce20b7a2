package ratelimit

import (
	"context"
	"sync"
)

// MemoryCounter is a process-local Counter for tests and dry runs.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: map[string]int{}}
}

func memoryKey(userID, category, day string) string {
	return userID + "|" + category + "|" + day
}

func (m *MemoryCounter) Reserve(_ context.Context, userID, category, day string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey(userID, category, day)
	if m.counts[k] >= limit {
		return false, nil
	}
	m.counts[k]++
	return true, nil
}

func (m *MemoryCounter) Release(_ context.Context, userID, category, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey(userID, category, day)
	if m.counts[k] > 0 {
		m.counts[k]--
	}
	return nil
}

func (m *MemoryCounter) Count(userID, category, day string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[memoryKey(userID, category, day)]
}
