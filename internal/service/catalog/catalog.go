package catalog

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/high-seas/internal/model"
	"github.com/high-seas/pkg/logger"
)

// Upstream is the network side of the catalog; *tmdb.Client satisfies it.
type Upstream interface {
	Search(ctx context.Context, query string, kind model.MediaKind) (model.CatalogEntry, error)
	Details(ctx context.Context, id int, kind model.MediaKind) (model.CatalogEntry, error)
	Genres(ctx context.Context, kind model.MediaKind) ([]model.Genre, error)
}

// Service is a read-through cache in front of the catalog upstream. Concurrent
// misses for the same key share a single upstream call.
type Service struct {
	upstream Upstream
	ttl      time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	genres  map[string]genreEntry

	// The group's registry lock is held only to register or remove a call, never
	// across the upstream request itself.
	flight singleflight.Group

	hits, misses, calls atomic.Int64
}

type cacheEntry struct {
	entry     model.CatalogEntry
	expiresAt time.Time
}

type genreEntry struct {
	genres    []model.Genre
	expiresAt time.Time
}

// Stats describes cache effectiveness
type Stats struct {
	Entries       int     `json:"entries"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	UpstreamCalls int64   `json:"upstream_calls"`
	HitRate       float64 `json:"hit_rate"`
}

func NewService(upstream Upstream, ttl time.Duration) *Service {
	return &Service{
		upstream: upstream,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]cacheEntry),
		genres:   make(map[string]genreEntry),
	}
}

// Lookup resolves a title query. Queries that normalize to the same text share
// a cache entry.
func (s *Service) Lookup(ctx context.Context, query string, kind model.MediaKind) (model.CatalogEntry, error) {
	key := queryKey(query, kind)
	return s.resolve(ctx, key, func(ctx context.Context) (model.CatalogEntry, error) {
		entry, err := s.upstream.Search(ctx, query, kind)
		if err == nil {
			s.store(idKey(entry.ExternalID, kind), entry)
		}
		return entry, err
	})
}

// LookupByID resolves a catalog id.
func (s *Service) LookupByID(ctx context.Context, id int, kind model.MediaKind) (model.CatalogEntry, error) {
	return s.resolve(ctx, idKey(id, kind), func(ctx context.Context) (model.CatalogEntry, error) {
		return s.upstream.Details(ctx, id, kind)
	})
}

func (s *Service) resolve(ctx context.Context, key string, fetch func(context.Context) (model.CatalogEntry, error)) (model.CatalogEntry, error) {
	if entry, ok := s.cached(key); ok {
		s.hits.Add(1)
		return entry, nil
	}
	s.misses.Add(1)

	ch := s.flight.DoChan(key, func() (interface{}, error) {
		// Another flight may have filled the entry between our miss and now.
		if entry, ok := s.cached(key); ok {
			return entry, nil
		}
		s.calls.Add(1)
		// Detached from the first caller so its cancellation doesn't fail
		// everybody else waiting on this key.
		entry, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.store(key, entry)
		return entry, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.CatalogEntry{}, res.Err
		}
		if res.Shared {
			logger.Debugf("[catalog] coalesced lookup %s", key)
		}
		return res.Val.(model.CatalogEntry), nil
	case <-ctx.Done():
		return model.CatalogEntry{}, fmt.Errorf("catalog lookup %s: %w", key, ctx.Err())
	}
}

// Genres returns the movie or show genre list. Lists are cached for the same
// TTL as entries and fetched at most once per key at a time.
func (s *Service) Genres(ctx context.Context, kind model.MediaKind) ([]model.Genre, error) {
	key := genreKey(kind)

	s.mu.RLock()
	ge, ok := s.genres[key]
	s.mu.RUnlock()
	if ok && s.now().Before(ge.expiresAt) {
		s.hits.Add(1)
		return ge.genres, nil
	}
	s.misses.Add(1)

	ch := s.flight.DoChan(key, func() (interface{}, error) {
		s.calls.Add(1)
		genres, err := s.upstream.Genres(context.WithoutCancel(ctx), kind)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.genres[key] = genreEntry{genres: genres, expiresAt: s.now().Add(s.ttl)}
		s.mu.Unlock()
		return genres, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]model.Genre), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("catalog %s: %w", key, ctx.Err())
	}
}

func (s *Service) cached(key string) (model.CatalogEntry, bool) {
	s.mu.RLock()
	ce, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !s.now().Before(ce.expiresAt) {
		return model.CatalogEntry{}, false
	}
	return ce.entry, true
}

func (s *Service) store(key string, entry model.CatalogEntry) {
	s.mu.Lock()
	s.entries[key] = cacheEntry{entry: entry, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
}

// Evict drops expired entries and returns how many were removed.
func (s *Service) Evict() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, ce := range s.entries {
		if !now.Before(ce.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	for k, ge := range s.genres {
		if !now.Before(ge.expiresAt) {
			delete(s.genres, k)
		}
	}
	return removed
}

// Stats returns cache counters.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	n := len(s.entries)
	s.mu.RUnlock()

	st := Stats{
		Entries:       n,
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		UpstreamCalls: s.calls.Load(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

func queryKey(query string, kind model.MediaKind) string {
	return "q:" + model.NormalizeTitle(query) + "|" + string(kind)
}

func genreKey(kind model.MediaKind) string {
	if kind.IsTV() {
		return "genres:tv"
	}
	return "genres:movie"
}

func idKey(id int, kind model.MediaKind) string {
	return "id:" + strconv.Itoa(id) + "|" + string(kind)
}
