package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/redress-ops/redress/pkg/agent"
	"github.com/redress-ops/redress/pkg/explain"
	"github.com/redress-ops/redress/pkg/pipeline"
	"github.com/redress-ops/redress/pkg/storage"
)

// mapError maps domain errors to HTTP error responses.
func mapError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, agent.ErrValidationFailed), errors.Is(err, explain.ErrUnsupportedFormat):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, storage.ErrTenantMismatch):
		return echo.NewHTTPError(http.StatusForbidden, "tenant mismatch")
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, pipeline.ErrNotPendingApproval):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrStageTimeout), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "operation timed out")
	}

	slog.Error("Unexpected error in API handler", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
