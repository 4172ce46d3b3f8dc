package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/high-seas/internal/config"
	"github.com/high-seas/internal/model"
	"github.com/high-seas/pkg/logger"
)

// Client talks to the TMDb v3 API. Transient failures (transport errors,
// per-attempt timeouts, 5xx) are retried with exponential backoff and jitter;
// everything else fails on the first attempt.
type Client struct {
	client   *resty.Client
	limiter  *rate.Limiter
	language string
}

func NewClient(cfg config.TMDbConfig) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMax).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	if cfg.AccessToken != "" {
		client.SetAuthToken(cfg.AccessToken)
	} else {
		client.SetQueryParam("api_key", cfg.APIKey)
	}

	c := &Client{client: client, language: cfg.Language}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		// Runs before every attempt, so retries are throttled too.
		client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			return c.limiter.Wait(r.Context())
		})
	}

	return c
}

// Search resolves a free-text title to the best matching catalog entry.
func (c *Client) Search(ctx context.Context, query string, kind model.MediaKind) (model.CatalogEntry, error) {
	var page SearchResponse
	if err := c.get(ctx, "search", searchPath(kind), map[string]string{
		"query":         query,
		"include_adult": "false",
		"page":          "1",
	}, &page); err != nil {
		return model.CatalogEntry{}, err
	}

	if page.Results == nil {
		return model.CatalogEntry{}, &LookupError{Op: "search", Kind: ErrInvalid, Err: errors.New("response has no results array")}
	}

	entry, ok := pickResult(page.Results, kind)
	if !ok {
		if len(page.Results) > 0 {
			return model.CatalogEntry{}, &LookupError{Op: "search", Kind: ErrInvalid, Err: fmt.Errorf("none of %d results has an id and title", len(page.Results))}
		}
		return model.CatalogEntry{}, &LookupError{Op: "search", Kind: ErrNotFound, Err: fmt.Errorf("query %q", query)}
	}

	logger.Debugf("[tmdb] search %q (%s) → %d %q", query, kind, entry.ExternalID, entry.Title)
	return entry, nil
}

// Details fetches a single title by TMDb id.
func (c *Client) Details(ctx context.Context, id int, kind model.MediaKind) (model.CatalogEntry, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "details", detailsPath(kind, id), nil, &raw); err != nil {
		return model.CatalogEntry{}, err
	}

	r, err := decodeResult(raw)
	if err != nil {
		return model.CatalogEntry{}, &LookupError{Op: "details", Kind: ErrInvalid, Err: err}
	}
	entry, ok := r.normalize(kind)
	if !ok {
		return model.CatalogEntry{}, &LookupError{Op: "details", Kind: ErrInvalid, Err: errors.New("payload missing id or title")}
	}
	return entry, nil
}

// Genres returns the genre list for movies or shows. Anime kinds share the
// movie and tv lists.
func (c *Client) Genres(ctx context.Context, kind model.MediaKind) ([]Genre, error) {
	path := "/genre/movie/list"
	if kind.IsTV() {
		path = "/genre/tv/list"
	}

	var resp GenreResponse
	if err := c.get(ctx, "genres", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Genres, nil
}

// get performs the request and decodes a 2xx body into out. The body is decoded
// here rather than by resty so a malformed payload is never mistaken for a
// transient error and retried.
func (c *Client) get(ctx context.Context, op, path string, params map[string]string, out any) error {
	req := c.client.R().SetContext(ctx)
	if c.language != "" {
		req.SetQueryParam("language", c.language)
	}
	if params != nil {
		req.SetQueryParams(params)
	}

	resp, err := req.Get(path)
	if err != nil {
		return &LookupError{Op: op, Kind: ErrUnavailable, Err: err}
	}

	switch status := resp.StatusCode(); {
	case status >= 500:
		return &LookupError{Op: op, Kind: ErrUnavailable, StatusCode: status}
	case resp.IsError():
		return &LookupError{Op: op, Kind: ErrInvalid, StatusCode: status, Err: errors.New(http.StatusText(status))}
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &LookupError{Op: op, Kind: ErrInvalid, StatusCode: resp.StatusCode(), Err: fmt.Errorf("decoding body: %w", err)}
	}
	return nil
}

// pickResult takes the first usable result in relevance order. Anime kinds
// prefer animated Japanese titles, then any animated title.
func pickResult(results []json.RawMessage, kind model.MediaKind) (model.CatalogEntry, bool) {
	var (
		first, animated, japanese model.CatalogEntry
		haveFirst, haveAnimated   bool
		haveJapanese              bool
	)

	for _, raw := range results {
		r, err := decodeResult(raw)
		if err != nil {
			continue
		}
		entry, ok := r.normalize(kind)
		if !ok {
			continue
		}
		if !haveFirst {
			first, haveFirst = entry, true
		}
		if !kind.IsAnime() {
			break
		}
		if r.hasGenre(AnimationGenreID) {
			if !haveAnimated {
				animated, haveAnimated = entry, true
			}
			if r.OriginalLanguage == "ja" {
				japanese, haveJapanese = entry, true
				break
			}
		}
	}

	switch {
	case haveJapanese:
		return japanese, true
	case haveAnimated:
		return animated, true
	default:
		return first, haveFirst
	}
}

func searchPath(kind model.MediaKind) string {
	if kind.IsTV() {
		return "/search/tv"
	}
	return "/search/movie"
}

func detailsPath(kind model.MediaKind, id int) string {
	if kind.IsTV() {
		return "/tv/" + strconv.Itoa(id)
	}
	return "/movie/" + strconv.Itoa(id)
}
