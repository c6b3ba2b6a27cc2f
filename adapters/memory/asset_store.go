package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

// AssetStore keeps cache entries in process memory
type AssetStore struct {
	mu      sync.RWMutex
	entries map[string]*entities.CacheEntry
}

var _ repositories.AssetStore = (*AssetStore)(nil)

// NewAssetStore creates an empty in-memory asset store
func NewAssetStore() *AssetStore {
	return &AssetStore{
		entries: make(map[string]*entities.CacheEntry),
	}
}

// Get implements repositories.AssetStore
func (s *AssetStore) Get(ctx context.Context, id string) (*entities.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAssetMiss, id)
	}
	return copyEntry(entry), nil
}

// Put implements repositories.AssetStore. The entry is copied before the swap
// so readers never observe a partially written blob.
func (s *AssetStore) Put(ctx context.Context, entry *entities.CacheEntry) error {
	if entry == nil {
		return errors.New("entry cannot be nil")
	}
	if entry.Key.ID == "" {
		return errors.New("asset ID cannot be empty")
	}

	stored := copyEntry(entry)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key.ID] = stored
	return nil
}

// Delete implements repositories.AssetStore
func (s *AssetStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// List implements repositories.AssetStore
func (s *AssetStore) List(ctx context.Context) ([]entities.AssetKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]entities.AssetKey, 0, len(s.entries))
	for _, e := range s.entries {
		keys = append(keys, e.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}

// Corrupt overwrites a stored blob without updating its checksum. It exists
// for exercising checksum verification.
func (s *AssetStore) Corrupt(id string, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.Blob = append([]byte(nil), blob...)
	}
}

func copyEntry(e *entities.CacheEntry) *entities.CacheEntry {
	c := *e
	c.Blob = append([]byte(nil), e.Blob...)
	return &c
}
