package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/redress-ops/redress/pkg/ingest"
	"github.com/redress-ops/redress/pkg/models"
)

// batchExecutionTimeout bounds background pipeline runs started by the
// submit endpoint.
const batchExecutionTimeout = 10 * time.Minute

type submitRequest struct {
	Exception  json.RawMessage   `json:"exception"`
	Exceptions []json.RawMessage `json:"exceptions"`
}

type submitResponse struct {
	ExceptionIDs []string `json:"exceptionIds"`
	Count        int      `json:"count"`
}

// submitExceptionsHandler handles POST /exceptions/:tenant_id. It
// accepts a single exception or a batch, enrolls them, and runs the
// pipeline in the background.
func (s *Server) submitExceptionsHandler(c *echo.Context) error {
	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}

	var req submitRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	raws := req.Exceptions
	if len(raws) == 0 {
		if len(req.Exception) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "body must carry exception or exceptions")
		}
		raws = []json.RawMessage{req.Exception}
	}

	recs := make([]*models.ExceptionRecord, 0, len(raws))
	ids := make([]string, 0, len(raws))
	for _, raw := range raws {
		msg, err := ingest.ParseMessage(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if msg.TenantID != tenantID {
			return echo.NewHTTPError(http.StatusForbidden, "exception tenant does not match path tenant")
		}
		rec := msg.Record()
		assignExceptionID(rec)
		recs = append(recs, rec)
		ids = append(ids, rec.ExceptionID)
	}

	// The request context dies with the response; the pipeline run
	// outlives it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), batchExecutionTimeout)
		defer cancel()
		s.orchestrator.ExecuteBatch(ctx, recs)
	}()

	return c.JSON(http.StatusAccepted, submitResponse{ExceptionIDs: ids, Count: len(ids)})
}

// assignExceptionID fixes the id before the response is written so
// the returned ids match what the pipeline will store.
func assignExceptionID(rec *models.ExceptionRecord) {
	if rec.ExceptionID != "" {
		return
	}
	for _, key := range []string{"exceptionId", "exception_id", "id"} {
		if v, ok := rec.RawPayload[key].(string); ok && v != "" {
			rec.ExceptionID = v
			return
		}
	}
	rec.ExceptionID = uuid.New().String()
}

type pipelineResultView struct {
	Status models.ResolutionStatus        `json:"status"`
	Stages map[string]*models.StageResult `json:"stages"`

	Evidence []string          `json:"evidence,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

type exceptionResponse struct {
	models.ExceptionRecord
	PipelineResult *pipelineResultView `json:"pipelineResult,omitempty"`
}

// getExceptionHandler handles GET /exceptions/:tenant_id/:exception_id.
func (s *Server) getExceptionHandler(c *echo.Context) error {
	stored, err := s.store.Get(c.Request().Context(), c.Param("tenant_id"), c.Param("exception_id"))
	if err != nil {
		return mapError(err)
	}

	resp := exceptionResponse{ExceptionRecord: stored.Record}
	if r := stored.LastResult; r != nil {
		resp.PipelineResult = &pipelineResultView{
			Status:   r.Status,
			Stages:   r.Stages,
			Evidence: r.Evidence,
			Errors:   r.Errors,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type approveRequest struct {
	Approver string `json:"approver"`
}

// approveExceptionHandler handles
// POST /exceptions/:tenant_id/:exception_id/approve and resumes a
// halted pipeline.
func (s *Server) approveExceptionHandler(c *echo.Context) error {
	var req approveRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Approver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver is required")
	}

	ctx := c.Request().Context()
	stored, err := s.store.Get(ctx, c.Param("tenant_id"), c.Param("exception_id"))
	if err != nil {
		return mapError(err)
	}

	rec := stored.Record
	result, err := s.orchestrator.Resume(ctx, &rec, req.Approver)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}
