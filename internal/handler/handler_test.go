package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/high-seas/internal/client/tmdb"
	"github.com/high-seas/internal/model"
	"github.com/high-seas/internal/service/catalog"
	"github.com/high-seas/internal/service/library"
	"github.com/high-seas/internal/store"
)

type fakeRequests struct {
	requests   map[string]*model.MediaRequest
	submitted  []model.SubmitInput
	submitErr  error
	created    bool
	lastFilter store.Filter
	refreshN   int
	refreshErr error
}

func (f *fakeRequests) Submit(_ context.Context, in model.SubmitInput) (*model.MediaRequest, bool, error) {
	f.submitted = append(f.submitted, in)
	if f.submitErr != nil {
		return nil, false, f.submitErr
	}
	req, err := in.Validate(time.Now())
	if err != nil {
		return nil, false, err
	}
	req.ID = "req-1"
	req.State = model.StateEnriching
	return req, f.created, nil
}

func (f *fakeRequests) Get(_ context.Context, id string) (*model.MediaRequest, error) {
	if r, ok := f.requests[id]; ok {
		return r, nil
	}
	return nil, &model.NotFoundError{ID: id}
}

func (f *fakeRequests) List(_ context.Context, flt store.Filter) ([]*model.MediaRequest, error) {
	f.lastFilter = flt
	var out []*model.MediaRequest
	for _, r := range f.requests {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRequests) Events(ctx context.Context, id string) ([]model.RequestEvent, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return []model.RequestEvent{{RequestID: id, From: model.StateSubmitted, To: model.StateEnriching}}, nil
}

func (f *fakeRequests) RefreshPresence(ctx context.Context, id string) (*model.MediaRequest, error) {
	return f.Get(ctx, id)
}

func (f *fakeRequests) RefreshLibrary(context.Context) (int, error) {
	return f.refreshN, f.refreshErr
}

type fakeCatalog struct{}

func (fakeCatalog) Stats() catalog.Stats { return catalog.Stats{Entries: 3, Hits: 5, Misses: 2} }

func (fakeCatalog) Genres(_ context.Context, kind model.MediaKind) ([]model.Genre, error) {
	if kind == model.KindAnimeTV {
		return nil, &tmdb.LookupError{Op: "genres", Kind: tmdb.ErrUnavailable}
	}
	if kind.IsTV() {
		return []model.Genre{{ID: 10765, Name: "Sci-Fi & Fantasy"}}, nil
	}
	return []model.Genre{{ID: 16, Name: "Animation"}, {ID: 878, Name: "Science Fiction"}}, nil
}

type fakeLibrary struct{}

func (fakeLibrary) LastRefresh() time.Time { return time.Time{} }
func (fakeLibrary) Stale() bool            { return true }
func (fakeLibrary) Size() (int, int)       { return 10, 4 }

type fakeScheduler struct{}

func (fakeScheduler) IsRunning() bool { return true }

func setup(t *testing.T) (*gin.Engine, *fakeRequests) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reqs := &fakeRequests{requests: map[string]*model.MediaRequest{
		"req-9": {ID: "req-9", Kind: model.KindMovie, Query: "Arrival", State: model.StatePending},
	}}
	r := gin.New()
	New(reqs, fakeCatalog{}, fakeLibrary{}, fakeScheduler{}).RegisterRoutes(r)
	return r, reqs
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSubmitCreated(t *testing.T) {
	r, reqs := setup(t)
	reqs.created = true

	w := do(r, http.MethodPost, "/api/v1/requests", `{"query":"Dune","mediaKind":"movie","quality":"1080p"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.Equal(t, "req-1", body["id"])
	assert.Equal(t, "enriching", body["state"])
	assert.Equal(t, true, body["created"])
}

func TestSubmitDeduplicatedReturns200(t *testing.T) {
	r, _ := setup(t)

	w := do(r, http.MethodPost, "/api/v1/requests", `{"query":"Dune","mediaKind":"movie"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["created"])
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
		wantKind   string
	}{
		{"malformed json", `{"query":`, nil, http.StatusBadRequest, "validation"},
		{"missing seasons", `{"query":"Severance","mediaKind":"tv"}`, nil, http.StatusBadRequest, "validation"},
		{"unavailable", `{"query":"Dune","mediaKind":"movie"}`, &tmdb.LookupError{Op: "search", Kind: tmdb.ErrUnavailable}, http.StatusServiceUnavailable, "lookup_unavailable"},
		{"conflict", `{"query":"Dune","mediaKind":"movie"}`, &model.TransitionError{ID: "x", From: model.StateSubmitted, To: model.StateEnriching, Actual: model.StateFailed}, http.StatusConflict, "conflict"},
		{"internal", `{"query":"Dune","mediaKind":"movie"}`, errors.New("disk full"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, reqs := setup(t)
			reqs.submitErr = tt.submitErr

			w := do(r, http.MethodPost, "/api/v1/requests", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			apiErr := decode(t, w)["error"].(map[string]any)
			assert.Equal(t, tt.wantKind, apiErr["kind"])
		})
	}
}

func TestSubmitValidationIncludesField(t *testing.T) {
	r, _ := setup(t)

	w := do(r, http.MethodPost, "/api/v1/requests", `{"query":"Severance","mediaKind":"tv"}`)

	apiErr := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "seasons", apiErr["field"])
}

func TestLegacyRoutesImplyKind(t *testing.T) {
	routes := map[string]string{
		"/movie/query":       "movie",
		"/show/query":        "tv",
		"/anime/movie/query": "anime_movie",
		"/anime/show/query":  "anime_tv",
	}
	for path, kind := range routes {
		t.Run(path, func(t *testing.T) {
			r, reqs := setup(t)
			w := do(r, http.MethodPost, path, `{"query":"Dune","seasons":[1],"quality":"720p","TMDb":438631,"year":2021}`)

			require.Less(t, w.Code, 300, w.Body.String())
			require.Len(t, reqs.submitted, 1)
			in := reqs.submitted[0]
			assert.Equal(t, kind, in.MediaKind)
			require.NotNil(t, in.ExternalID)
			assert.Equal(t, 438631, *in.ExternalID)
			assert.Equal(t, 2021, in.Year)
		})
	}
}

func TestGetAndEvents(t *testing.T) {
	r, _ := setup(t)

	w := do(r, http.MethodGet, "/api/v1/requests/req-9", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decode(t, w)["state"])

	w = do(r, http.MethodGet, "/api/v1/requests/req-9/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["events"], 1)

	w = do(r, http.MethodGet, "/api/v1/requests/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"].(map[string]any)["kind"])

	w = do(r, http.MethodPost, "/api/v1/requests/nope/refresh-presence", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListFilters(t *testing.T) {
	r, reqs := setup(t)

	w := do(r, http.MethodGet, "/api/v1/requests?state=pending&kind=TvShow&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, store.Filter{State: model.StatePending, Kind: model.KindTV, Limit: 5}, reqs.lastFilter)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	for _, q := range []string{"state=done", "kind=book", "limit=-1"} {
		w := do(r, http.MethodGet, "/api/v1/requests?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestRefreshLibrary(t *testing.T) {
	r, reqs := setup(t)
	reqs.refreshN = 2

	w := do(r, http.MethodPost, "/api/v1/library/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["available"])

	reqs.refreshErr = &library.RefreshError{Err: errors.New("plex down")}
	w = do(r, http.MethodPost, "/api/v1/library/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w)["warning"], "plex down")
}

func TestHealthAndStats(t *testing.T) {
	r, _ := setup(t)

	w := do(r, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	lib := body["library"].(map[string]any)
	assert.EqualValues(t, 10, lib["movies"])
	assert.Equal(t, true, lib["stale"])

	w = do(r, http.MethodGet, "/api/v1/catalog/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)["stats"].(map[string]any)
	assert.EqualValues(t, 5, stats["hits"])
}

func TestGenres(t *testing.T) {
	r, _ := setup(t)

	tests := []struct {
		name   string
		path   string
		status int
		count  int
		kind   string
	}{
		{"movie", "/api/v1/catalog/genres/movie", http.StatusOK, 2, ""},
		{"tv", "/api/v1/catalog/genres/tv", http.StatusOK, 1, ""},
		{"unknown kind", "/api/v1/catalog/genres/podcast", http.StatusBadRequest, 0, "validation"},
		{"upstream down", "/api/v1/catalog/genres/anime_tv", http.StatusServiceUnavailable, 0, "lookup_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodGet, tt.path, "")
			require.Equal(t, tt.status, w.Code)
			body := decode(t, w)
			if tt.kind != "" {
				assert.Equal(t, tt.kind, body["error"].(map[string]any)["kind"])
				return
			}
			assert.Len(t, body["genres"], tt.count)
		})
	}
}
