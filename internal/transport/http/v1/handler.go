// Package v1 provides the platform-compatible REST API of the development backend.
package v1

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/botconsole/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")

	// Public
	api.GET("/system/info", h.GetSystemInfo)
	api.GET("/user/check-token", h.CheckToken)

	// Token protected
	protected := api.Group("", h.RequireToken)
	protected.GET("/platform/bots", h.ListBots)
	protected.POST("/platform/bots/:bot_id/logs", h.GetBotLogs)
	protected.GET("/pipelines", h.ListPipelines)
	protected.POST("/pipelines/:pipeline_id/ws/broadcast", h.Broadcast)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     h.service.Config().Version,
		"connections": h.service.Hub().GetConnectionCount(),
	})
}

// envelope is the wrapper around every API response.
type envelope struct {
	Code      int         `json:"code"`
	Msg       string      `json:"msg"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, envelope{Code: 0, Msg: "ok", Data: data, Timestamp: time.Now().Unix()})
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, envelope{Code: -1, Msg: msg, Timestamp: time.Now().Unix()})
}

func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get("Authorization")
	if token, found := strings.CutPrefix(auth, "Bearer "); found {
		return strings.TrimSpace(token)
	}
	return ""
}

// RequireToken rejects requests without a valid bearer token.
func (h *Handler) RequireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, valid := h.service.CheckToken(bearerToken(c)); !valid {
			return fail(c, http.StatusUnauthorized, "invalid token")
		}
		return next(c)
	}
}
