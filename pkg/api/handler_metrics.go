package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// tenantMetricsHandler handles GET /metrics/:tenant_id.
func (s *Server) tenantMetricsHandler(c *echo.Context) error {
	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}
	return c.JSON(http.StatusOK, s.metrics.GetMetrics(tenantID))
}

// allMetricsHandler handles GET /metrics.
func (s *Server) allMetricsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.metrics.GetAllMetrics())
}
