package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/high-seas/internal/client/tmdb"
	"github.com/high-seas/internal/model"
	"github.com/high-seas/internal/store"
)

type fakeCatalog struct {
	mu      sync.Mutex
	entries map[string]model.CatalogEntry // by normalized query
	err     error
	calls   atomic.Int32
	release chan struct{}
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{entries: map[string]model.CatalogEntry{
		"dune":      {ExternalID: 438631, Kind: model.KindMovie, Title: "Dune", ReleaseDate: "2021-09-15"},
		"dune 2021": {ExternalID: 438631, Kind: model.KindMovie, Title: "Dune", ReleaseDate: "2021-09-15"},
		"arrival":   {ExternalID: 329865, Kind: model.KindMovie, Title: "Arrival"},
		"severance": {ExternalID: 95396, Kind: model.KindTV, Title: "Severance"},
	}}
}

func (f *fakeCatalog) Lookup(ctx context.Context, query string, kind model.MediaKind) (model.CatalogEntry, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return model.CatalogEntry{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.CatalogEntry{}, f.err
	}
	e, ok := f.entries[model.NormalizeTitle(query)]
	if !ok {
		return model.CatalogEntry{}, &tmdb.LookupError{Op: "search", Kind: tmdb.ErrNotFound}
	}
	return e, nil
}

func (f *fakeCatalog) LookupByID(_ context.Context, id int, kind model.MediaKind) (model.CatalogEntry, error) {
	f.calls.Add(1)
	return model.CatalogEntry{ExternalID: id, Kind: kind, Title: "By ID"}, nil
}

type fakeLibrary struct {
	mu         sync.Mutex
	present    map[int]bool
	refreshErr error
	refreshes  int
}

func (l *fakeLibrary) IsPresent(id int, _ model.MediaKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.present[id]
}

func (l *fakeLibrary) Refresh(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	return l.refreshErr
}

func (l *fakeLibrary) add(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.present == nil {
		l.present = map[int]bool{}
	}
	l.present[id] = true
}

type harness struct {
	svc     *Service
	store   *store.Memory
	catalog *fakeCatalog
	library *fakeLibrary

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemory(),
		catalog: newFakeCatalog(),
		library: &fakeLibrary{},
	}
	h.svc = NewService(h.store, h.catalog, h.library, 4)
	h.svc.Subscribe(func(ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.svc.Close(ctx)
	})
	return h
}

func (h *harness) waitState(t *testing.T, id string, want model.State) *model.MediaRequest {
	t.Helper()
	var got *model.MediaRequest
	require.Eventually(t, func() bool {
		r, err := h.svc.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = r
		return r.State == want
	}, 2*time.Second, 5*time.Millisecond, "request %s never reached %s", id, want)
	return got
}

func (h *harness) eventsFor(id string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.RequestID == id {
			out = append(out, ev)
		}
	}
	return out
}

func path(events []Event) []model.State {
	if len(events) == 0 {
		return nil
	}
	out := []model.State{events[0].From}
	for _, ev := range events {
		out = append(out, ev.To)
	}
	return out
}

func TestSubmitEndToEndPending(t *testing.T) {
	h := newHarness(t)
	h.catalog.release = make(chan struct{})
	ctx := context.Background()

	req, created, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Dune", MediaKind: "movie", Quality: "1080p"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StateEnriching, req.State)

	// Resubmitting while enrichment is in flight returns the same request.
	again, created, err := h.svc.Submit(ctx, model.SubmitInput{Query: "dune", MediaKind: "Movie", Quality: "1080p"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, req.ID, again.ID)
	assert.Equal(t, model.StateEnriching, again.State)

	close(h.catalog.release)
	final := h.waitState(t, req.ID, model.StatePending)
	require.NotNil(t, final.ExternalID)
	assert.Equal(t, 438631, *final.ExternalID)
	assert.Equal(t, "Dune", final.Title)

	all, err := h.svc.List(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.Eventually(t, func() bool { return len(h.eventsFor(req.ID)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []model.State{model.StateSubmitted, model.StateEnriching, model.StatePending}, path(h.eventsFor(req.ID)))

	stored, err := h.svc.Events(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.True(t, stored[1].Timestamp.After(stored[0].Timestamp))
}

func TestSubmitAlreadyAvailable(t *testing.T) {
	h := newHarness(t)
	h.library.add(438631)

	req, _, err := h.svc.Submit(context.Background(), model.SubmitInput{Query: "Dune", MediaKind: "movie"})
	require.NoError(t, err)

	final := h.waitState(t, req.ID, model.StateAlreadyAvailable)
	assert.Equal(t, "found in library", final.Detail)
}

func TestSubmitWithExternalIDSkipsSearch(t *testing.T) {
	h := newHarness(t)
	id := 438631

	req, _, err := h.svc.Submit(context.Background(), model.SubmitInput{Query: "Dune", MediaKind: "movie", ExternalID: &id})
	require.NoError(t, err)

	final := h.waitState(t, req.ID, model.StatePending)
	assert.Equal(t, "By ID", final.Title)
}

func TestLookupFailureFailsRequest(t *testing.T) {
	h := newHarness(t)
	h.catalog.err = &tmdb.LookupError{Op: "search", Kind: tmdb.ErrUnavailable, StatusCode: 503}
	ctx := context.Background()

	req, _, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Dune", MediaKind: "movie"})
	require.NoError(t, err)

	final := h.waitState(t, req.ID, model.StateFailed)
	assert.Contains(t, final.Detail, "catalog unavailable")
	require.Eventually(t, func() bool { return len(h.eventsFor(req.ID)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []model.State{model.StateSubmitted, model.StateEnriching, model.StateFailed}, path(h.eventsFor(req.ID)))

	// Failed is terminal, so resubmitting starts over.
	h.catalog.mu.Lock()
	h.catalog.err = nil
	h.catalog.mu.Unlock()

	retry, created, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Dune", MediaKind: "movie"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, req.ID, retry.ID)
	h.waitState(t, retry.ID, model.StatePending)
}

func TestNoCatalogMatchFails(t *testing.T) {
	h := newHarness(t)

	req, _, err := h.svc.Submit(context.Background(), model.SubmitInput{Query: "Nonexistent Film", MediaKind: "movie"})
	require.NoError(t, err)

	final := h.waitState(t, req.ID, model.StateFailed)
	assert.Contains(t, final.Detail, "no catalog match")
}

func TestDifferentSpellingsOfOneTitleMerge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, _, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Dune", MediaKind: "movie"})
	require.NoError(t, err)
	h.waitState(t, first.ID, model.StatePending)

	second, created, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Dune (2021)", MediaKind: "movie"})
	require.NoError(t, err)
	assert.True(t, created, "different dedup key")

	final := h.waitState(t, second.ID, model.StateDeduplicated)
	assert.Equal(t, first.ID, final.MergedInto)
	assert.Contains(t, final.Detail, first.ID)
}

func TestValidationErrorsCreateNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    model.SubmitInput
		field string
	}{
		{"empty query", model.SubmitInput{MediaKind: "movie"}, "query"},
		{"bad kind", model.SubmitInput{Query: "Dune", MediaKind: "book"}, "mediaKind"},
		{"tv without seasons", model.SubmitInput{Query: "Severance", MediaKind: "tv"}, "seasons"},
		{"bad quality", model.SubmitInput{Query: "Dune", MediaKind: "movie", Quality: "8k"}, "quality"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.svc.Submit(ctx, tt.in)
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	all, err := h.svc.List(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.EqualValues(t, 0, h.catalog.calls.Load())
}

func TestRefreshPresence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RefreshPresence(ctx, "missing")
	assert.True(t, model.IsNotFound(err))

	req, _, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Severance", MediaKind: "tv", Seasons: []int{2, 1}})
	require.NoError(t, err)
	pending := h.waitState(t, req.ID, model.StatePending)
	assert.Equal(t, []int{1, 2}, pending.Seasons)

	// Not in the library yet: no-op.
	got, err := h.svc.RefreshPresence(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, got.State)

	h.library.add(95396)
	got, err = h.svc.RefreshPresence(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAlreadyAvailable, got.State)

	// Terminal now: another refresh changes nothing and emits nothing.
	got, err = h.svc.RefreshPresence(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAlreadyAvailable, got.State)

	require.Eventually(t, func() bool { return len(h.eventsFor(req.ID)) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t,
		[]model.State{model.StateSubmitted, model.StateEnriching, model.StatePending, model.StateAlreadyAvailable},
		path(h.eventsFor(req.ID)))
}

func TestRefreshPresenceIgnoresNonPending(t *testing.T) {
	h := newHarness(t)
	h.catalog.release = make(chan struct{})
	h.library.add(438631)
	ctx := context.Background()

	req, _, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Dune", MediaKind: "movie"})
	require.NoError(t, err)

	got, err := h.svc.RefreshPresence(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateEnriching, got.State)

	close(h.catalog.release)
	h.waitState(t, req.ID, model.StateAlreadyAvailable)
}

func TestRefreshLibrarySweepsPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dune, _, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Dune", MediaKind: "movie"})
	require.NoError(t, err)
	arrival, _, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Arrival", MediaKind: "movie"})
	require.NoError(t, err)
	h.waitState(t, dune.ID, model.StatePending)
	h.waitState(t, arrival.ID, model.StatePending)

	h.library.add(438631)
	h.library.refreshErr = errors.New("plex unreachable")

	n, err := h.svc.RefreshLibrary(ctx)
	assert.EqualError(t, err, "plex unreachable")
	assert.Equal(t, 1, n, "stale data is still used")

	got, err := h.svc.Get(ctx, dune.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAlreadyAvailable, got.State)
	got, err = h.svc.Get(ctx, arrival.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, got.State)
}

func TestConcurrentIdenticalSubmissions(t *testing.T) {
	h := newHarness(t)
	h.catalog.release = make(chan struct{})
	ctx := context.Background()

	const n = 50
	ids := make([]string, n)
	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, ok, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Severance", MediaKind: "tv", Seasons: []int{1}})
			if assert.NoError(t, err) {
				ids[i] = req.ID
				if ok {
					created.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	close(h.catalog.release)

	assert.EqualValues(t, 1, created.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	h.waitState(t, ids[0], model.StatePending)
	assert.EqualValues(t, 1, h.catalog.calls.Load())

	require.Eventually(t, func() bool { return len(h.eventsFor(ids[0])) == 2 }, time.Second, 5*time.Millisecond)
}

func TestResumePicksUpInterruptedRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stuck, err := model.SubmitInput{Query: "Arrival", MediaKind: "movie"}.Validate(time.Now())
	require.NoError(t, err)
	_, _, err = h.store.Create(ctx, stuck)
	require.NoError(t, err)

	n, err := h.svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.waitState(t, stuck.ID, model.StatePending)
}

func TestSubmitAfterClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Close(context.Background()))

	_, _, err := h.svc.Submit(context.Background(), model.SubmitInput{Query: "Dune", MediaKind: "movie"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWaitsForEnrichment(t *testing.T) {
	h := newHarness(t)
	h.catalog.release = make(chan struct{})
	ctx := context.Background()

	req, _, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Dune", MediaKind: "movie"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(h.catalog.release)
	}()
	require.NoError(t, h.svc.Close(ctx))

	got, err := h.store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, got.State)
}

func TestCloseTimeoutLeavesRequestEnriching(t *testing.T) {
	h := newHarness(t)
	h.catalog.release = make(chan struct{})
	defer close(h.catalog.release)
	ctx := context.Background()

	req, _, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Dune", MediaKind: "movie"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.catalog.calls.Load() == 1 }, time.Second, time.Millisecond)

	closeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.svc.Close(closeCtx), context.DeadlineExceeded)

	got, err := h.store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateEnriching, got.State)
}

func TestPurge(t *testing.T) {
	h := newHarness(t)
	h.catalog.err = errors.New("boom")
	ctx := context.Background()

	req, _, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Dune", MediaKind: "movie"})
	require.NoError(t, err)
	h.waitState(t, req.ID, model.StateFailed)

	n, err := h.svc.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = h.svc.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.svc.Get(ctx, req.ID)
	assert.True(t, model.IsNotFound(err))
}

func TestStalledSubscriberDoesNotBlockTransitions(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	defer close(block)
	h.svc.Subscribe(func(Event) { <-block })
	ctx := context.Background()

	const n = 200
	submitted := make(chan []string, 1)
	go func() {
		var ids []string
		for i := range n {
			req, _, err := h.svc.Submit(ctx, model.SubmitInput{Query: fmt.Sprintf("Unknown Title %d", i), MediaKind: "movie"})
			if !assert.NoError(t, err) {
				break
			}
			ids = append(ids, req.ID)
		}
		submitted <- ids
	}()

	var ids []string
	select {
	case ids = <-submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("Submit blocked behind a stalled event handler")
	}
	require.Len(t, ids, n)
	for _, id := range ids {
		h.waitState(t, id, model.StateFailed)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	closed := make(chan error, 1)
	go func() { closed <- h.svc.Close(closeCtx) }()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not honour its deadline")
	}
}

func TestEventsCarryRequestAsWritten(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req, _, err := h.svc.Submit(ctx, model.SubmitInput{Query: "Arrival", MediaKind: "movie"})
	require.NoError(t, err)
	h.waitState(t, req.ID, model.StatePending)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.events) == 2
	}, time.Second, time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.events {
		require.NotNil(t, ev.Request)
		assert.Equal(t, ev.To, ev.Request.State)
		assert.Equal(t, req.ID, ev.Request.ID)
	}
	assert.Equal(t, 329865, *h.events[1].Request.ExternalID)
}
