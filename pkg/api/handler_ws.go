package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	echo "github.com/labstack/echo/v5"

	"github.com/redress-ops/redress/pkg/events"
)

// wsHandler handles GET /ws?tenant_id=...&exception_id=... and streams
// bus events for the subscription key until the client disconnects.
// Connections are rejected unless the Origin matches the configured
// allowlist.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream not available")
	}

	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id query parameter is required")
	}
	exceptionID := c.QueryParam("exception_id")
	if exceptionID == "" {
		exceptionID = events.Wildcard
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.allowedWSOrigins,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	sub := s.bus.Subscribe(tenantID, exceptionID, events.DefaultQueueSize)
	defer sub.Close()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.logger.Debug("WebSocket write failed, dropping subscriber",
					"tenant_id", tenantID, "error", err)
				return nil
			}
		}
	}
}
