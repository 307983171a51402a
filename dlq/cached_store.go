package dlq

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const entryCacheKeyPrefix = "go-apilinker::dlq_entry::v1"

// CachedStore serves Get through a read-through cache and invalidates on
// every write. List always reads the base store.
type CachedStore struct {
	base  Store
	cache repositorycache.CacheService
}

func NewCachedStore(base Store, cacheService repositorycache.CacheService) (*CachedStore, error) {
	if base == nil {
		return nil, fmt.Errorf("dlq: base store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("dlq: cache service is required")
	}
	return &CachedStore{base: base, cache: cacheService}, nil
}

// NewDefaultCacheService builds an in-process cache service with the given
// ttl in seconds.
func NewDefaultCacheService(ttlSeconds float64) (repositorycache.CacheService, error) {
	config := repositorycache.DefaultConfig()
	if ttlSeconds > 0 {
		config.TTL = secondsToDuration(ttlSeconds)
	}
	return repositorycache.NewCacheService(config)
}

func EntryCacheKey(id string) string {
	return entryCacheKeyPrefix + "::" + url.PathEscape(strings.TrimSpace(id))
}

func (s *CachedStore) Put(ctx context.Context, entry Entry) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.base.Put(ctx, entry); err != nil {
		return err
	}
	return s.cache.Delete(ctx, EntryCacheKey(entry.ID))
}

func (s *CachedStore) Get(ctx context.Context, id string) (Entry, error) {
	if err := s.ready(); err != nil {
		return Entry{}, err
	}
	entry, err := repositorycache.GetOrFetch(ctx, s.cache, EntryCacheKey(id), func(ctx context.Context) (Entry, error) {
		fetched, fetchErr := s.base.Get(ctx, id)
		if fetchErr != nil {
			return Entry{}, fetchErr
		}
		return cloneEntry(fetched), nil
	})
	if err != nil {
		return Entry{}, err
	}
	return cloneEntry(entry), nil
}

func (s *CachedStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.base.List(ctx, filter)
}

func (s *CachedStore) Update(ctx context.Context, entry Entry) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.base.Update(ctx, entry); err != nil {
		return err
	}
	return s.cache.Delete(ctx, EntryCacheKey(entry.ID))
}

func (s *CachedStore) Delete(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.base.Delete(ctx, id); err != nil {
		return err
	}
	return s.cache.Delete(ctx, EntryCacheKey(id))
}

// Close closes the base store when it supports closing.
func (s *CachedStore) Close() error {
	if s == nil || s.base == nil {
		return nil
	}
	if closer, ok := s.base.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *CachedStore) ready() error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("dlq: cached store is not configured")
	}
	return nil
}

var _ Store = (*CachedStore)(nil)
