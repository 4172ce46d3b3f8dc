package apprise

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/high-seas/internal/config"
	"github.com/high-seas/internal/model"
)

func formServer(t *testing.T, got chan<- url.Values, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notify/apprise", r.URL.Path)
		require.NoError(t, r.ParseForm())
		got <- r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		to       model.State
		wantType NotifyType
		wantOK   bool
	}{
		{model.StatePending, TypeInfo, true},
		{model.StateAlreadyAvailable, TypeSuccess, true},
		{model.StateFailed, TypeFailure, true},
		{model.StateEnriching, "", false},
		{model.StateDeduplicated, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.to), func(t *testing.T) {
			_, notifyType, ok := Outcome(tt.to)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantType, notifyType)
		})
	}
}

func TestNotifyRequestPostsFormattedOutcome(t *testing.T) {
	got := make(chan url.Values, 1)
	srv := formServer(t, got, `{}`)

	c := NewClient(config.AppriseConfig{Enabled: true, BaseURL: srv.URL})
	req := &model.MediaRequest{ID: "r1", Kind: model.KindMovie, Query: "Dune", Quality: model.Quality1080p, State: model.StateFailed}
	ev := model.RequestEvent{RequestID: "r1", From: model.StateEnriching, To: model.StateFailed, Detail: "tmdb search: no catalog match"}
	require.NoError(t, c.NotifyRequest(context.Background(), req, ev))

	form := <-got
	assert.Equal(t, "all", form.Get("tags"))
	assert.Equal(t, "failure", form.Get("type"))
	assert.Equal(t, "❌ Request failed", form.Get("title"))
	assert.Contains(t, form.Get("body"), "*Dune*")
}

func TestNotifyRequestIgnoresIntermediateStates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected notification %s", r.URL.Path)
	}))
	defer srv.Close()

	c := NewClient(config.AppriseConfig{Enabled: true, BaseURL: srv.URL})
	req := &model.MediaRequest{ID: "r1", Kind: model.KindMovie, Query: "Dune"}
	ev := model.RequestEvent{RequestID: "r1", From: model.StateSubmitted, To: model.StateEnriching}
	assert.NoError(t, c.NotifyRequest(context.Background(), req, ev))
}

func TestNotifyErrorInBody(t *testing.T) {
	got := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notify/k", r.URL.Path)
		require.NoError(t, r.ParseForm())
		got <- r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"no services"}`))
	}))
	defer srv.Close()

	c := NewClient(config.AppriseConfig{Enabled: true, BaseURL: srv.URL, Key: "k", Tag: "t"})
	err := c.Notify(context.Background(), "", "body", TypeInfo)
	assert.EqualError(t, err, "apprise error: no services")

	form := <-got
	assert.Equal(t, "t", form.Get("tags"))
	assert.Empty(t, form.Get("title"))
}

func TestNotifyDisabled(t *testing.T) {
	c := NewClient(config.AppriseConfig{Enabled: false, BaseURL: "http://127.0.0.1:1"})
	assert.NoError(t, c.Notify(context.Background(), "t", "b", TypeFailure))
	assert.False(t, c.IsEnabled())
}
