package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redress-ops/redress/pkg/agent"
	"github.com/redress-ops/redress/pkg/audit"
	"github.com/redress-ops/redress/pkg/events"
	"github.com/redress-ops/redress/pkg/evidence"
	"github.com/redress-ops/redress/pkg/explain"
	"github.com/redress-ops/redress/pkg/metrics"
	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/pipeline"
	"github.com/redress-ops/redress/pkg/playbook"
	"github.com/redress-ops/redress/pkg/policy"
	"github.com/redress-ops/redress/pkg/storage"
)

const apiDomainPack = `
domain_name: capital-markets
version: v1
exception_types:
  SETTLEMENT_FAIL:
    description: Trade failed to settle
severity_rules:
  - condition: 'if: exceptionType == "SETTLEMENT_FAIL" && rawPayload.amount > 1000000'
    severity: CRITICAL
  - condition: 'exceptionType == "SETTLEMENT_FAIL"'
    severity: HIGH
playbooks:
  - id: 1
    name: settlement-retry
    exception_type: SETTLEMENT_FAIL
    steps:
      - step_order: 1
        action: retry_settlement
        tool: retry_settlement
guardrails:
  human_approval_threshold: 0.6
`

const apiTenantPack = `
tenant_id: TENANT_A
domain_name: capital-markets
version: v1
approved_business_processes: ["settlement-retry"]
`

type apiHarness struct {
	server *Server
	store  *storage.MemoryExceptionStore
	log    *storage.MemoryEventLog
	bus    *events.Bus
	orch   *pipeline.Orchestrator
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "domains"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tenants"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "domains", "cm.yaml"), []byte(apiDomainPack), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tenants", "a.yaml"), []byte(apiTenantPack), 0o644))

	packs, err := policy.NewStore(dir)
	require.NoError(t, err)

	log := storage.NewMemoryEventLog()
	store := storage.NewMemoryExceptionStore()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	collector := metrics.NewCollector("")
	deps := agent.Deps{
		Resolver: policy.NewResolver(packs, nil),
		Matcher:  playbook.NewMatcher(nil),
		EventLog: log,
		Metrics:  collector,
	}
	orch := pipeline.New(deps, agent.NewStubToolExecutor(), store, bus, nil, pipeline.Options{}, nil)

	auditDir := t.TempDir()
	tracker, err := evidence.NewTracker(t.TempDir())
	require.NoError(t, err)
	reader := audit.Reader{Dir: auditDir}
	explainer := explain.NewService(store, reader, tracker, nil, collector, nil)

	server := NewServer(Deps{
		Store:        store,
		EventLog:     log,
		Orchestrator: orch,
		Metrics:      collector,
		Explainer:    explainer,
		AuditReader:  reader,
		Evidence:     tracker,
		Bus:          bus,
	})
	return &apiHarness{server: server, store: store, log: log, bus: bus, orch: orch}
}

func (h *apiHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

// waitForStored polls until the background pipeline run persists the
// record.
func (h *apiHarness) waitForStored(t *testing.T, tenantID, exceptionID string) storage.StoredException {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := h.store.Get(context.Background(), tenantID, exceptionID)
		if err == nil && stored.LastResult != nil {
			return stored
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("exception %s was not stored in time", exceptionID)
	return storage.StoredException{}
}

func settlementBody(exceptionID string, amount int) map[string]any {
	return map[string]any{
		"tenantId":     "TENANT_A",
		"sourceSystem": "OMS",
		"rawPayload": map[string]any{
			"exception_id":   exceptionID,
			"exception_type": "SETTLEMENT_FAIL",
			"amount":         amount,
		},
	}
}

func TestSubmitSingleException(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/exceptions/TENANT_A", map[string]any{
		"exception": settlementBody("EXC-1", 500),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, []string{"EXC-1"}, resp.ExceptionIDs)

	stored := h.waitForStored(t, "TENANT_A", "EXC-1")
	assert.Equal(t, models.StatusResolved, stored.Record.ResolutionStatus)
}

func TestSubmitBatch(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/exceptions/TENANT_A", map[string]any{
		"exceptions": []any{settlementBody("EXC-1", 500), settlementBody("EXC-2", 600)},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	h.waitForStored(t, "TENANT_A", "EXC-1")
	h.waitForStored(t, "TENANT_A", "EXC-2")
}

func TestSubmitValidation(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/exceptions/TENANT_A", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/exceptions/TENANT_A", map[string]any{
		"exception": map[string]any{"tenantId": "TENANT_A"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Path tenant and body tenant must agree.
	rec = h.do(http.MethodPost, "/exceptions/TENANT_B", map[string]any{
		"exception": settlementBody("EXC-X", 500),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetException(t *testing.T) {
	h := newAPIHarness(t)
	h.do(http.MethodPost, "/exceptions/TENANT_A", map[string]any{
		"exception": settlementBody("EXC-1", 500),
	})
	h.waitForStored(t, "TENANT_A", "EXC-1")

	rec := h.do(http.MethodGet, "/exceptions/TENANT_A/EXC-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "EXC-1", resp["exceptionId"])
	result, ok := resp["pipelineResult"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "RESOLVED", result["status"])
	assert.Contains(t, result, "stages")

	// Cross-tenant read sees nothing.
	rec = h.do(http.MethodGet, "/exceptions/TENANT_B/EXC-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveException(t *testing.T) {
	h := newAPIHarness(t)

	// CRITICAL severity halts for approval.
	h.do(http.MethodPost, "/exceptions/TENANT_A", map[string]any{
		"exception": settlementBody("EXC-9", 5000000),
	})
	stored := h.waitForStored(t, "TENANT_A", "EXC-9")
	require.Equal(t, models.StatusPendingApproval, stored.Record.ResolutionStatus)

	rec := h.do(http.MethodPost, "/exceptions/TENANT_A/EXC-9/approve", approveRequest{Approver: "ops@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.PipelineResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, models.StatusResolved, result.Status)

	// Approving again conflicts.
	rec = h.do(http.MethodPost, "/exceptions/TENANT_A/EXC-9/approve", approveRequest{Approver: "ops@example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/exceptions/TENANT_A/EXC-9/approve", approveRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	h.do(http.MethodPost, "/exceptions/TENANT_A", map[string]any{
		"exception": settlementBody("EXC-1", 500),
	})
	h.waitForStored(t, "TENANT_A", "EXC-1")

	rec := h.do(http.MethodGet, "/metrics/TENANT_A", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.TotalExceptions)

	rec = h.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all map[string]metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Contains(t, all, "TENANT_A")
}

func TestExplanationEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	h.do(http.MethodPost, "/exceptions/TENANT_A", map[string]any{
		"exception": settlementBody("EXC-1", 500),
	})
	h.waitForStored(t, "TENANT_A", "EXC-1")

	rec := h.do(http.MethodGet, "/explanations/EXC-1?tenant_id=TENANT_A&format=text", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var exp explain.Explanation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exp))
	assert.Equal(t, explain.FormatText, exp.Format)
	assert.NotEmpty(t, exp.ContentHash)

	rec = h.do(http.MethodGet, "/explanations/EXC-1/timeline?tenant_id=TENANT_A", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/explanations/EXC-1/evidence?tenant_id=TENANT_A", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/explanations/EXC-1?tenant_id=TENANT_A&format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/explanations/EXC-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/explanations/EXC-404?tenant_id=TENANT_A", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	h.do(http.MethodPost, "/exceptions/TENANT_A", map[string]any{
		"exception": settlementBody("EXC-1", 500),
	})
	h.waitForStored(t, "TENANT_A", "EXC-1")

	rec := h.do(http.MethodGet, "/api/audit/exceptions/TENANT_A/EXC-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp auditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp.Total, 0)

	rec = h.do(http.MethodGet, "/api/audit/exceptions/TENANT_A/EXC-1?event_type=ExceptionReceived", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	for _, ev := range resp.Events {
		assert.Equal(t, models.EventExceptionReceived, ev.EventType)
	}

	rec = h.do(http.MethodGet, "/api/audit/tenants/TENANT_A?correlation_id=EXC-1&page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.LessOrEqual(t, len(resp.Events), 2)
	assert.Equal(t, 2, resp.PageSize)

	rec = h.do(http.MethodGet, "/api/audit/tenants/TENANT_A?start_timestamp=not-a-date", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestWebSocketStreamsStageEvents(t *testing.T) {
	h := newAPIHarness(t)

	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?tenant_id=TENANT_A"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	rec := h.do(http.MethodPost, "/exceptions/TENANT_A", map[string]any{
		"exception": settlementBody("EXC-WS", 100),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var ev events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "TENANT_A", ev.TenantID)
	assert.Equal(t, "EXC-WS", ev.ExceptionID)
	assert.Equal(t, "stage_completed", ev.Type)
	assert.NotEmpty(t, ev.Stage)
}

func TestWebSocketRequiresTenantID(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
