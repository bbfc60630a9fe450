package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/chunkrelay/internal/client/models"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
)

// MemoryStore is a non-durable Store backed by a map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.ChunkRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.ChunkRecord)}
}

func (s *MemoryStore) Initialize(context.Context) error { return nil }

// clone copies rec so callers never share mutable state with the store.
func clone(rec *models.ChunkRecord) *models.ChunkRecord {
	c := *rec
	c.Data = append([]byte(nil), rec.Data...)
	if rec.Retry.LastAttempt != nil {
		t := *rec.Retry.LastAttempt
		c.Retry.LastAttempt = &t
	}
	c.Retry.Errors = append([]models.ErrorEntry{}, rec.Retry.Errors...)
	return &c
}

func (s *MemoryStore) Save(_ context.Context, rec *models.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, key string) (*models.ChunkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", key, common.ErrNotFound)
	}
	return clone(rec), nil
}

func (s *MemoryStore) LoadAll(context.Context) ([]*models.ChunkRecord, error) {
	s.mu.RLock()
	out := make([]*models.ChunkRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, clone(rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FileName != out[j].FileName {
			return out[i].FileName < out[j].FileName
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	delete(s.records, key)
	return ok, nil
}

func (s *MemoryStore) DeleteFile(_ context.Context, fileName string, fromIndex int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.records {
		if rec.FileName == fileName && rec.ChunkIndex >= fromIndex {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key]
	return ok, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	all, _ := s.LoadAll(ctx)
	keys := make([]string, 0, len(all))
	for _, rec := range all {
		keys = append(keys, rec.ID)
	}
	return keys, nil
}

func (s *MemoryStore) Clear(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = make(map[string]*models.ChunkRecord)
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
