package apprise

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/high-seas/internal/config"
	"github.com/high-seas/internal/model"
)

// NotifyType is Apprise's message severity
type NotifyType string

const (
	TypeInfo    NotifyType = "info"
	TypeSuccess NotifyType = "success"
	TypeFailure NotifyType = "failure"
)

// Response represents an Apprise API response
type Response struct {
	Error string `json:"error,omitempty"`
}

// Client sends request outcomes to an Apprise API server
type Client struct {
	client    *resty.Client
	formatter *SlackFormatter
	key       string
	tag       string
	enabled   bool
}

// NewClient creates a new Apprise client
func NewClient(cfg config.AppriseConfig) *Client {
	key := cfg.Key
	if key == "" {
		key = "apprise"
	}
	tag := cfg.Tag
	if tag == "" {
		tag = "all"
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	return &Client{
		client:    client,
		formatter: &SlackFormatter{},
		key:       key,
		tag:       tag,
		enabled:   cfg.Enabled,
	}
}

// Outcome maps a request state to the notification announcing it. Only
// pending, already available and failed are announced.
func Outcome(to model.State) (title string, notifyType NotifyType, ok bool) {
	switch to {
	case model.StatePending:
		return "📥 Request queued", TypeInfo, true
	case model.StateAlreadyAvailable:
		return "✅ Already in library", TypeSuccess, true
	case model.StateFailed:
		return "❌ Request failed", TypeFailure, true
	}
	return "", "", false
}

// NotifyRequest announces the state a request just reached. States without
// an Outcome are ignored.
func (c *Client) NotifyRequest(ctx context.Context, req *model.MediaRequest, ev model.RequestEvent) error {
	title, notifyType, ok := Outcome(ev.To)
	if !ok {
		return nil
	}
	if req == nil {
		return fmt.Errorf("event %s → %s has no request", ev.From, ev.To)
	}
	return c.Notify(ctx, title, c.formatter.FormatRequest(req, ev), notifyType)
}

// Notify sends a notification via Apprise
func (c *Client) Notify(ctx context.Context, title, body string, notifyType NotifyType) error {
	if !c.enabled {
		return nil
	}

	formData := map[string]string{
		"body": body,
		"tags": c.tag,
	}
	if title != "" {
		formData["title"] = title
	}
	if notifyType != "" {
		formData["type"] = string(notifyType)
	}

	var apiResp Response
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(formData).
		SetResult(&apiResp).
		Post(fmt.Sprintf("/notify/%s", c.key))

	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("apprise returned status %d: %s", resp.StatusCode(), resp.String())
	}

	// Check for error in response body (Apprise returns 200 with error in JSON)
	if apiResp.Error != "" {
		return fmt.Errorf("apprise error: %s", apiResp.Error)
	}

	return nil
}

// IsEnabled returns whether notifications are enabled
func (c *Client) IsEnabled() bool {
	return c.enabled
}
