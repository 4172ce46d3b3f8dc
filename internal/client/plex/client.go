package plex

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/high-seas/internal/config"
	"github.com/high-seas/pkg/logger"
)

const pageSize = 500

var tmdbGUID = regexp.MustCompile(`(?:tmdb|themoviedb)://(\d+)`)

type Client struct {
	client *resty.Client
}

func NewClient(cfg config.PlexConfig) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("X-Plex-Token", cfg.Token).
		SetHeader("X-Plex-Product", "high-seas").
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{client: client}
}

// GetSections lists the server's libraries
func (c *Client) GetSections(ctx context.Context) ([]Section, error) {
	var resp SectionsResponse
	r, err := c.client.R().
		SetContext(ctx).
		SetResult(&resp).
		Get("/library/sections")

	if err != nil {
		return nil, fmt.Errorf("getting sections: %w", err)
	}

	if r.IsError() {
		return nil, fmt.Errorf("API error: status=%d", r.StatusCode())
	}

	return resp.MediaContainer.Directory, nil
}

// GetItems pages through every item of a section
func (c *Client) GetItems(ctx context.Context, sectionKey string) ([]Metadata, error) {
	var items []Metadata
	for start := 0; ; start += pageSize {
		var resp ItemsResponse
		r, err := c.client.R().
			SetContext(ctx).
			SetResult(&resp).
			SetQueryParam("includeGuids", "1").
			SetHeader("X-Plex-Container-Start", strconv.Itoa(start)).
			SetHeader("X-Plex-Container-Size", strconv.Itoa(pageSize)).
			Get(fmt.Sprintf("/library/sections/%s/all", sectionKey))

		if err != nil {
			return nil, fmt.Errorf("getting items: %w", err)
		}

		if r.IsError() {
			return nil, fmt.Errorf("API error: status=%d", r.StatusCode())
		}

		page := resp.MediaContainer.Metadata
		items = append(items, page...)

		total := resp.MediaContainer.TotalSize
		if len(page) < pageSize || (total > 0 && len(items) >= total) {
			return items, nil
		}
	}
}

// TMDbIDs returns the TMDb ids of every movie and show across all movie and
// show sections. Items without a TMDb guid are skipped.
func (c *Client) TMDbIDs(ctx context.Context) (movies, shows []int, err error) {
	sections, err := c.GetSections(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, sec := range sections {
		if sec.Type != "movie" && sec.Type != "show" {
			logger.Debugf("[plex] skipping section %q (type %s)", sec.Title, sec.Type)
			continue
		}

		items, err := c.GetItems(ctx, sec.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("section %q: %w", sec.Title, err)
		}

		skipped := 0
		for _, item := range items {
			id := ParseTMDbID(item)
			if id == 0 {
				skipped++
				continue
			}
			if sec.Type == "movie" {
				movies = append(movies, id)
			} else {
				shows = append(shows, id)
			}
		}
		logger.Debugf("[plex] section %q: %d items, %d without tmdb id", sec.Title, len(items), skipped)
	}

	return movies, shows, nil
}

// ParseTMDbID extracts the TMDb id from an item's guids, falling back to the
// legacy agent guid. Returns 0 when none is present.
func ParseTMDbID(item Metadata) int {
	for _, g := range item.Guids {
		if id := matchTMDb(g.ID); id > 0 {
			return id
		}
	}
	return matchTMDb(item.GUID)
}

func matchTMDb(guid string) int {
	m := tmdbGUID.FindStringSubmatch(guid)
	if len(m) < 2 {
		return 0
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return id
}
