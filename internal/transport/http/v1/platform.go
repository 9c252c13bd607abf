package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/botconsole/internal/domain"
	"github.com/xiaot623/botconsole/internal/service"
)

// GetSystemInfo returns the backend system info.
// GET /api/v1/system/info
func (h *Handler) GetSystemInfo(c echo.Context) error {
	return ok(c, h.service.SystemInfo())
}

// CheckToken validates the bearer token.
// GET /api/v1/user/check-token
func (h *Handler) CheckToken(c echo.Context) error {
	info, valid := h.service.CheckToken(bearerToken(c))
	if !valid {
		return fail(c, http.StatusUnauthorized, "invalid token")
	}
	return ok(c, info)
}

// ListBots lists the configured bots.
// GET /api/v1/platform/bots
func (h *Handler) ListBots(c echo.Context) error {
	return ok(c, map[string]interface{}{"bots": h.service.ListBots()})
}

// ListPipelines lists the configured pipelines.
// GET /api/v1/pipelines
func (h *Handler) ListPipelines(c echo.Context) error {
	return ok(c, map[string]interface{}{"pipelines": h.service.ListPipelines()})
}

// GetBotLogs returns one page of a bot's logs, newest first.
// POST /api/v1/platform/bots/:bot_id/logs
func (h *Handler) GetBotLogs(c echo.Context) error {
	ctx := c.Request().Context()
	botID := c.Param("bot_id")

	q := domain.BotLogQuery{FromIndex: domain.FromNewest}
	if err := c.Bind(&q); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if q.FromIndex < domain.FromNewest {
		return fail(c, http.StatusBadRequest, "from_index must be -1 or a seq_id")
	}

	page, err := h.service.GetBotLogs(ctx, botID, q)
	if errors.Is(err, service.ErrBotNotFound) {
		return fail(c, http.StatusNotFound, "bot not found")
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return ok(c, page)
}

// BroadcastRequest is the request body of the broadcast endpoint.
type BroadcastRequest struct {
	Message string `json:"message"`
}

// Broadcast pushes a notice to every debug session of a pipeline.
// POST /api/v1/pipelines/:pipeline_id/ws/broadcast
func (h *Handler) Broadcast(c echo.Context) error {
	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return fail(c, http.StatusBadRequest, "message is required")
	}

	delivered, err := h.service.Broadcast(c.Param("pipeline_id"), req.Message)
	if errors.Is(err, service.ErrPipelineNotFound) {
		return fail(c, http.StatusNotFound, "pipeline not found")
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return ok(c, map[string]interface{}{"delivered": delivered})
}
