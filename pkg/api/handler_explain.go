package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/redress-ops/redress/pkg/explain"
)

// explanationHandler handles
// GET /explanations/:exception_id?tenant_id=...&format=....
func (s *Server) explanationHandler(c *echo.Context) error {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id query parameter is required")
	}

	format := explain.FormatJSON
	if v := c.QueryParam("format"); v != "" {
		format = explain.Format(strings.ToUpper(v))
	}

	exp, err := s.explainer.Explain(c.Request().Context(), tenantID, c.Param("exception_id"), format)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, exp)
}

// timelineHandler handles GET /explanations/:exception_id/timeline.
func (s *Server) timelineHandler(c *echo.Context) error {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id query parameter is required")
	}

	exceptionID := c.Param("exception_id")
	timeline, err := s.explainer.Timeline(c.Request().Context(), tenantID, exceptionID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"exceptionId": exceptionID,
		"timeline":    timeline,
	})
}

// evidenceHandler handles GET /explanations/:exception_id/evidence.
func (s *Server) evidenceHandler(c *echo.Context) error {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id query parameter is required")
	}

	exceptionID := c.Param("exception_id")
	items, err := s.evidence.EvidenceFor(tenantID, exceptionID)
	if err != nil {
		return mapError(err)
	}
	links, err := s.evidence.LinksFor(tenantID, exceptionID, "")
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"exceptionId": exceptionID,
		"evidence":    items,
		"links":       links,
	})
}
