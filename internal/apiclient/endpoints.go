package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/xiaot623/botconsole/internal/domain"
)

// CheckToken validates the current token.
// GET /api/v1/user/check-token
func (c *Client) CheckToken(ctx context.Context) (*domain.UserInfo, error) {
	var info domain.UserInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/user/check-token", nil, &info, requestOptions{tokenCheck: true}); err != nil {
		return nil, err
	}
	return &info, nil
}

// SystemInfo returns the platform system info, fetching it on first use.
// GET /api/v1/system/info
func (c *Client) SystemInfo(ctx context.Context) (*domain.SystemInfo, error) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	if c.info != nil {
		info := *c.info
		return &info, nil
	}
	info, err := c.fetchSystemInfo(ctx)
	if err != nil {
		return nil, err
	}
	c.info = info
	cp := *info
	return &cp, nil
}

// RefreshSystemInfo drops the cached system info and fetches it again.
func (c *Client) RefreshSystemInfo(ctx context.Context) (*domain.SystemInfo, error) {
	c.infoMu.Lock()
	c.info = nil
	c.infoMu.Unlock()
	return c.SystemInfo(ctx)
}

func (c *Client) fetchSystemInfo(ctx context.Context) (*domain.SystemInfo, error) {
	var info domain.SystemInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/system/info", nil, &info, requestOptions{}); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListBots lists configured bots.
// GET /api/v1/platform/bots
func (c *Client) ListBots(ctx context.Context) ([]domain.Bot, error) {
	var resp struct {
		Bots []domain.Bot `json:"bots"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/platform/bots", nil, &resp, requestOptions{}); err != nil {
		return nil, err
	}
	return resp.Bots, nil
}

// ListPipelines lists configured pipelines.
// GET /api/v1/pipelines
func (c *Client) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	var resp struct {
		Pipelines []domain.Pipeline `json:"pipelines"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/pipelines", nil, &resp, requestOptions{}); err != nil {
		return nil, err
	}
	return resp.Pipelines, nil
}

// GetBotLogs fetches one page of bot logs, newest first.
// POST /api/v1/platform/bots/:bot_id/logs
func (c *Client) GetBotLogs(ctx context.Context, botID string, q domain.BotLogQuery) (*domain.BotLogPage, error) {
	if botID == "" {
		return nil, fmt.Errorf("bot id is required")
	}
	path := fmt.Sprintf("/api/v1/platform/bots/%s/logs", url.PathEscape(botID))

	var page domain.BotLogPage
	if err := c.do(ctx, http.MethodPost, path, q, &page, requestOptions{}); err != nil {
		return nil, err
	}
	return &page, nil
}
