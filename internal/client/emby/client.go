package emby

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/high-seas/internal/config"
	"github.com/high-seas/pkg/logger"
)

type Client struct {
	client   *resty.Client
	excluded []string
}

func NewClient(cfg config.EmbyConfig) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")+"/emby").
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json").
		SetQueryParam("api_key", cfg.APIKey).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{client: client, excluded: cfg.ExcludedLibraries}
}

func (c *Client) GetLibraries(ctx context.Context) ([]VirtualFolder, error) {
	var folders []VirtualFolder
	r, err := c.client.R().
		SetContext(ctx).
		SetResult(&folders).
		Get("/Library/VirtualFolders")

	if err != nil {
		return nil, fmt.Errorf("getting libraries: %w", err)
	}

	if r.IsError() {
		return nil, fmt.Errorf("API error: status=%d", r.StatusCode())
	}

	return folders, nil
}

func (c *Client) GetSeries(ctx context.Context, parentID string) ([]Item, error) {
	return c.getItems(ctx, "Series", parentID)
}

func (c *Client) GetMovies(ctx context.Context, parentID string) ([]Item, error) {
	return c.getItems(ctx, "Movie", parentID)
}

func (c *Client) getItems(ctx context.Context, itemType, parentID string) ([]Item, error) {
	var resp ItemsResponse
	req := c.client.R().
		SetContext(ctx).
		SetResult(&resp).
		SetQueryParam("IncludeItemTypes", itemType).
		SetQueryParam("Recursive", "true").
		SetQueryParam("Fields", "ProviderIds,ParentId")

	if parentID != "" {
		req.SetQueryParam("ParentId", parentID)
	}

	r, err := req.Get("/Items")

	if err != nil {
		return nil, fmt.Errorf("getting %s items: %w", strings.ToLower(itemType), err)
	}

	if r.IsError() {
		return nil, fmt.Errorf("API error: status=%d", r.StatusCode())
	}

	return resp.Items, nil
}

// TMDbIDs returns the TMDb ids of every movie and series outside the
// configured excluded libraries.
func (c *Client) TMDbIDs(ctx context.Context) (movies, shows []int, err error) {
	libs, err := c.GetLibraries(ctx)
	if err != nil {
		return nil, nil, err
	}
	excluded := ResolveExcludedLibraryIDs(c.excluded, libs)

	for _, lib := range libs {
		if excluded[lib.ItemID] {
			continue
		}

		wantMovies, wantShows := lib.holds()
		if wantMovies {
			items, err := c.GetMovies(ctx, lib.ItemID)
			if err != nil {
				return nil, nil, fmt.Errorf("library %q: %w", lib.Name, err)
			}
			movies = append(movies, tmdbIDs(items)...)
		}
		if wantShows {
			items, err := c.GetSeries(ctx, lib.ItemID)
			if err != nil {
				return nil, nil, fmt.Errorf("library %q: %w", lib.Name, err)
			}
			shows = append(shows, tmdbIDs(items)...)
		}
	}

	return movies, shows, nil
}

func tmdbIDs(items []Item) []int {
	ids := make([]int, 0, len(items))
	for _, item := range items {
		if id := ParseProviderID(item.ProviderIDs, "Tmdb"); id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// ResolveExcludedLibraryIDs maps configured library names to Emby library IDs.
// Names that match no library are logged and ignored.
func ResolveExcludedLibraryIDs(configuredNames []string, libraries []VirtualFolder) map[string]bool {
	if len(configuredNames) == 0 {
		return nil
	}

	byName := make(map[string]string, len(libraries))
	for _, lib := range libraries {
		byName[strings.ToLower(lib.Name)] = lib.ItemID
	}

	excluded := make(map[string]bool, len(configuredNames))
	for _, name := range configuredNames {
		id, ok := byName[strings.ToLower(name)]
		if !ok {
			logger.Warnf("⚠️  Excluded library %q not found in Emby, check spelling", name)
			continue
		}
		excluded[id] = true
		logger.Debugf("🚫 Excluding Emby library %q (ID=%s) from presence index", name, id)
	}

	return excluded
}
