package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/redress-ops/redress/pkg/models"
)

type auditQuery struct {
	eventTypes    []string
	correlationID string
	from          time.Time
	to            time.Time
	page          int
	pageSize      int
}

func parseAuditQuery(c *echo.Context) (auditQuery, *echo.HTTPError) {
	q := auditQuery{page: 1, pageSize: 50}

	if v := c.QueryParam("event_type"); v != "" {
		q.eventTypes = strings.Split(v, ",")
	}
	q.correlationID = c.QueryParam("correlation_id")

	if v := c.QueryParam("start_timestamp"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid start_timestamp: must be RFC3339")
		}
		q.from = t
	}
	if v := c.QueryParam("end_timestamp"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid end_timestamp: must be RFC3339")
		}
		q.to = t
	}

	if v := c.QueryParam("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			q.page = p
		}
	}
	if v := c.QueryParam("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 500 {
			q.pageSize = ps
		}
	}
	return q, nil
}

type auditResponse struct {
	Events   []models.Event `json:"events"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"pageSize"`
}

// auditExceptionHandler handles
// GET /api/audit/exceptions/:tenant_id/:exception_id.
func (s *Server) auditExceptionHandler(c *echo.Context) error {
	q, httpErr := parseAuditQuery(c)
	if httpErr != nil {
		return httpErr
	}

	events, err := s.eventLog.EventsForException(
		c.Request().Context(), c.Param("tenant_id"), c.Param("exception_id"),
		models.EventFilter{EventTypes: q.eventTypes, From: q.from, To: q.to},
	)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, paginate(events, q))
}

// auditTenantHandler handles GET /api/audit/tenants/:tenant_id.
func (s *Server) auditTenantHandler(c *echo.Context) error {
	q, httpErr := parseAuditQuery(c)
	if httpErr != nil {
		return httpErr
	}

	events, err := s.eventLog.EventsForTenant(c.Request().Context(), c.Param("tenant_id"), q.from, q.to)
	if err != nil {
		return mapError(err)
	}

	filtered := events[:0]
	filter := models.EventFilter{EventTypes: q.eventTypes}
	for _, ev := range events {
		if q.correlationID != "" && ev.ExceptionID != q.correlationID {
			continue
		}
		if !filter.Matches(&ev) {
			continue
		}
		filtered = append(filtered, ev)
	}
	return c.JSON(http.StatusOK, paginate(filtered, q))
}

func paginate(events []models.Event, q auditQuery) auditResponse {
	total := len(events)
	lo := (q.page - 1) * q.pageSize
	if lo > total {
		lo = total
	}
	hi := lo + q.pageSize
	if hi > total {
		hi = total
	}
	return auditResponse{
		Events:   events[lo:hi],
		Total:    total,
		Page:     q.page,
		PageSize: q.pageSize,
	}
}
