package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// NewMemoryStore 构建进程内存储，条目永不过期，进程退出即丢失。
func NewMemoryStore() Storage {
	return &memoryStore{caches: make(map[string]*memoryCache)}
}

type memoryStore struct {
	mu     sync.Mutex
	order  []string
	caches map[string]*memoryCache
}

func (s *memoryStore) Open(ctx context.Context, name string) (NamedCache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("cache name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.caches[name]; ok {
		return existing, nil
	}
	created := &memoryCache{
		store:   s,
		name:    name,
		entries: gocache.New(gocache.NoExpiration, 0),
	}
	s.caches[name] = created
	s.order = append(s.order, name)
	return created, nil
}

func (s *memoryStore) Get(ctx context.Context, name string) (NamedCache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.caches[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCacheNotFound, name)
	}
	return existing, nil
}

func (s *memoryStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	delete(s.caches, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	existing.entries.Flush()
	return true, nil
}

func (s *memoryStore) alive(c *memoryCache) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caches[c.name] == c
}

type memoryCache struct {
	store   *memoryStore
	name    string
	entries *gocache.Cache
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, req Request) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, ok := matchKey(req)
	if !ok {
		return nil, ErrNotFound
	}
	value, found := c.entries.Get(key)
	if !found {
		return nil, ErrNotFound
	}
	stored := value.(Entry)
	stored.Header = stored.Header.Clone()
	stored.Body = append([]byte(nil), stored.Body...)
	return &stored, nil
}

func (c *memoryCache) Put(ctx context.Context, req Request, resp Response) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := putKey(req)
	if err != nil {
		return nil, err
	}
	if !c.store.alive(c) {
		return nil, fmt.Errorf("%w: %s", ErrCacheDeleted, c.name)
	}
	snapshot := cloneResponse(resp)
	entry := Entry{
		Cache:     c.name,
		URL:       key,
		Status:    snapshot.Status,
		Header:    snapshot.Header,
		Body:      snapshot.Body,
		SizeBytes: int64(len(snapshot.Body)),
		StoredAt:  time.Now().UTC(),
	}
	c.entries.Set(key, entry, gocache.NoExpiration)
	result := entry
	return &result, nil
}

func (c *memoryCache) Delete(ctx context.Context, req Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, ok := matchKey(req)
	if !ok {
		return false, nil
	}
	if _, found := c.entries.Get(key); !found {
		return false, nil
	}
	c.entries.Delete(key)
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := c.entries.Items()
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
