package overseerr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/high-seas/internal/config"
	"github.com/high-seas/internal/model"
	"github.com/high-seas/pkg/logger"
)

type Client struct {
	client  *resty.Client
	userID  int
	enabled bool
}

func NewClient(cfg config.OverseerrConfig) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")+"/api/v1").
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Api-Key", cfg.APIKey).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{
		client:  client,
		userID:  cfg.UserID,
		enabled: cfg.Enabled,
	}
}

// IsEnabled returns whether forwarding is configured
func (c *Client) IsEnabled() bool {
	return c.enabled
}

// GetDetails looks a title up by TMDB ID. MediaInfo is nil when Overseerr has
// never seen it.
func (c *Client) GetDetails(ctx context.Context, tmdbID int, kind model.MediaKind) (*Details, error) {
	var details Details
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&details).
		Get(fmt.Sprintf("/%s/%d", mediaType(kind), tmdbID))

	if err != nil {
		return nil, fmt.Errorf("getting details: %w", err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("API error: status=%d", resp.StatusCode())
	}

	return &details, nil
}

// Request asks Overseerr to fulfill a title. Seasons are sent for TV kinds only.
func (c *Client) Request(ctx context.Context, tmdbID int, kind model.MediaKind, seasons []int) (*RequestResponse, error) {
	body := MediaRequest{
		MediaType: string(mediaType(kind)),
		MediaID:   tmdbID,
		UserID:    c.userID,
	}
	if kind.IsTV() {
		body.Seasons = seasons
	}

	var result RequestResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/request")

	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("API error: status=%d body=%s", resp.StatusCode(), resp.String())
	}

	logger.Infof("📥 Requested TMDB=%d (%s) seasons=%v via Overseerr", tmdbID, kind, body.Seasons)
	return &result, nil
}

// Covered reports whether every wanted season (or the movie) is already
// requested or available in Overseerr.
func Covered(details *Details, kind model.MediaKind, seasons []int) bool {
	if details == nil || details.MediaInfo == nil {
		return false
	}
	if !kind.IsTV() {
		return details.MediaInfo.Status >= MediaStatusPending
	}

	status := make(map[int]MediaStatus, len(details.MediaInfo.Seasons))
	for _, s := range details.MediaInfo.Seasons {
		status[s.SeasonNumber] = s.Status
	}
	for _, n := range seasons {
		if status[n] < MediaStatusPending {
			return false
		}
	}
	return true
}

func mediaType(kind model.MediaKind) MediaType {
	if kind.IsTV() {
		return MediaTypeTV
	}
	return MediaTypeMovie
}
