package provenance

import (
	"context"
	"sync"
)

// MemoryStore — append-only хранилище в памяти. Используется в тестах
// и на узлах без Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// WriteBatch реализует Storage. Записи только добавляются, порядок
// вызовов Append сохраняется.
func (s *MemoryStore) WriteBatch(_ context.Context, records []Record) error {
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

// Query реализует Reader.
func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0)
	for _, r := range s.records {
		if !f.Match(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Len возвращает число записей (для тестов).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
