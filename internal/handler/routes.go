package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, stream *StreamHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.POST("/streams", stream.CreateOrAppend)
	e.GET("/streams/:id", stream.Read)
	e.POST("/streams/:id", stream.Action)
	e.PATCH("/streams/:id", stream.Action)
}
