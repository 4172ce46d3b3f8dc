package library

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/high-seas/internal/model"
	"github.com/high-seas/pkg/logger"
)

// Source lists the TMDb ids held by a media server. *plex.Client and
// *emby.Client satisfy it.
type Source interface {
	TMDbIDs(ctx context.Context) (movies, shows []int, err error)
}

// RefreshError is returned when the source could not be read. The previous
// snapshot stays in place.
type RefreshError struct {
	Err         error
	LastRefresh time.Time // zero if the index was never filled
}

func (e *RefreshError) Error() string {
	if e.LastRefresh.IsZero() {
		return fmt.Sprintf("library refresh: %v (index empty)", e.Err)
	}
	return fmt.Sprintf("library refresh: %v (serving data from %s)", e.Err, e.LastRefresh.Format(time.RFC3339))
}

func (e *RefreshError) Unwrap() error { return e.Err }

// snapshot is never mutated after it is published.
type snapshot struct {
	movies    map[int]struct{}
	shows     map[int]struct{}
	checkedAt time.Time
}

// Index answers presence queries from the last successful refresh. Movie and
// show ids are kept apart since TMDb numbers them independently.
type Index struct {
	source   Source
	interval time.Duration
	now      func() time.Time
	current  atomic.Pointer[snapshot]
}

// NewIndex returns an empty index. A nil source gives an index that reports
// nothing as present.
func NewIndex(source Source, interval time.Duration) *Index {
	idx := &Index{source: source, interval: interval, now: time.Now}
	idx.current.Store(&snapshot{})
	return idx
}

// IsPresent never touches the network.
func (i *Index) IsPresent(id int, kind model.MediaKind) bool {
	snap := i.current.Load()
	set := snap.movies
	if kind.IsTV() {
		set = snap.shows
	}
	_, ok := set[id]
	return ok
}

// Refresh replaces the snapshot with the source's current contents.
func (i *Index) Refresh(ctx context.Context) error {
	if i.source == nil {
		return nil
	}

	movies, shows, err := i.source.TMDbIDs(ctx)
	if err != nil {
		last := i.LastRefresh()
		logger.Warnf("⚠️  [library] refresh failed, presence data may be stale (last refresh: %s): %v", formatAge(last, i.now()), err)
		return &RefreshError{Err: err, LastRefresh: last}
	}

	next := &snapshot{
		movies:    toSet(movies),
		shows:     toSet(shows),
		checkedAt: i.now(),
	}
	i.current.Store(next)

	logger.Infof("📚 [library] index refreshed: %d movies, %d shows", len(next.movies), len(next.shows))
	return nil
}

// LastRefresh returns when the snapshot was taken; zero before the first
// successful refresh.
func (i *Index) LastRefresh() time.Time {
	return i.current.Load().checkedAt
}

// Stale reports whether the snapshot is older than one refresh interval.
func (i *Index) Stale() bool {
	if i.source == nil {
		return false
	}
	last := i.LastRefresh()
	return last.IsZero() || i.now().Sub(last) > i.interval
}

// Size returns the number of movie and show ids in the snapshot.
func (i *Index) Size() (movies, shows int) {
	snap := i.current.Load()
	return len(snap.movies), len(snap.shows)
}

func toSet(ids []int) map[int]struct{} {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}
