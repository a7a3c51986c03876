package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// healthHandler handles GET /health. Database reachability is probed
// only when a database client is configured.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := map[string]any{"status": "healthy"}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		if err := s.db.Ping(ctx); err != nil {
			resp["status"] = "unhealthy"
			resp["database"] = "unreachable"
			resp["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		resp["database"] = "ok"
	}
	return c.JSON(http.StatusOK, resp)
}
