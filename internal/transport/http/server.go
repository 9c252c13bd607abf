// Package http provides the HTTP server of the development backend.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/botconsole/internal/service"
	v1 "github.com/xiaot623/botconsole/internal/transport/http/v1"
	"github.com/xiaot623/botconsole/internal/transport/ws"
)

// NewServer creates and configures the HTTP server. It serves the REST API
// and the pipeline debug WebSocket on the same port.
func NewServer(svc *service.Service, wsServer *ws.Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	e.GET("/api/v1/pipelines/:pipeline_id/ws/connect", wsServer.HandleWebSocket)

	return e
}
