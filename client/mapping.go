// Package client is the Go SDK for the stream proxy: durable sessions that
// multiplex many upstream fetches over one stream, and a single-shot durable
// fetch resumable across process restarts.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// ErrMappingNotFound is returned by a MappingStore when no mapping exists
// for the given request ID.
var ErrMappingNotFound = errors.New("client: request mapping not found")

// Mapping records where a previously issued fetch lives, so a retry with the
// same request ID resumes the existing response instead of re-invoking the
// upstream.
type Mapping struct {
	StreamURL  string `json:"streamUrl"`
	ResponseID uint32 `json:"responseId"`
}

// MappingStore persists requestId → Mapping associations. Implementations
// must be safe for concurrent use.
type MappingStore interface {
	Get(requestID string) (Mapping, error)
	Set(requestID string, m Mapping) error
	Delete(requestID string) error
}

// MemoryMappingStore is a process-local MappingStore.
type MemoryMappingStore struct {
	mu sync.RWMutex
	m  map[string]Mapping
}

func NewMemoryMappingStore() *MemoryMappingStore {
	return &MemoryMappingStore{m: make(map[string]Mapping)}
}

func (s *MemoryMappingStore) Get(requestID string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.m[requestID]
	if !ok {
		return Mapping{}, ErrMappingNotFound
	}
	return m, nil
}

func (s *MemoryMappingStore) Set(requestID string, m Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[requestID] = m
	return nil
}

func (s *MemoryMappingStore) Delete(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, requestID)
	return nil
}

// CacheMappingStore is a MappingStore backed by bigcache with TTL eviction.
// The TTL should match the capability URL lifetime: a mapping that outlives
// its signed URL cannot be resumed anyway.
type CacheMappingStore struct {
	cache *bigcache.BigCache
}

func NewCacheMappingStore(ttl time.Duration) (*CacheMappingStore, error) {
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(ttl))
	if err != nil {
		return nil, fmt.Errorf("client: init mapping cache: %w", err)
	}
	return &CacheMappingStore{cache: cache}, nil
}

func (s *CacheMappingStore) Get(requestID string) (Mapping, error) {
	b, err := s.cache.Get(requestID)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return Mapping{}, ErrMappingNotFound
		}
		return Mapping{}, fmt.Errorf("client: mapping cache get: %w", err)
	}
	var m Mapping
	if err := json.Unmarshal(b, &m); err != nil {
		return Mapping{}, fmt.Errorf("client: decode mapping: %w", err)
	}
	return m, nil
}

func (s *CacheMappingStore) Set(requestID string, m Mapping) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("client: encode mapping: %w", err)
	}
	return s.cache.Set(requestID, b)
}

func (s *CacheMappingStore) Delete(requestID string) error {
	if err := s.cache.Delete(requestID); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("client: mapping cache delete: %w", err)
	}
	return nil
}
