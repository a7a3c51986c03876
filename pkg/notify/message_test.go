package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSLOViolationMessage(t *testing.T) {
	failed := []FailedDimension{
		{Name: "p95_latency_ms", Current: 850, Target: 500, Margin: -350},
		{Name: "error_rate", Current: 0.12, Target: 0.05, Margin: -0.07},
	}
	runbooks := []string{"https://github.com/acme/runbooks/blob/main/latency.md"}

	blocks := BuildSLOViolationMessage("TENANT_A", "settlements", failed, runbooks)
	require.Len(t, blocks, 2)

	header, ok := blocks[0].(*goslack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, header.Text.Text, ":rotating_light:")
	assert.Contains(t, header.Text.Text, "TENANT_A / settlements")

	body, ok := blocks[1].(*goslack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, body.Text.Text, "p95_latency_ms")
	assert.Contains(t, body.Text.Text, "error_rate")
	assert.Contains(t, body.Text.Text, "Suggested runbooks")
	assert.Contains(t, body.Text.Text, "latency.md")
}

func TestBuildSLOViolationMessageTenantWideScope(t *testing.T) {
	blocks := BuildSLOViolationMessage("TENANT_A", "", []FailedDimension{
		{Name: "mttr_minutes", Current: 45, Target: 30, Margin: -15},
	}, nil)

	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, "`TENANT_A`")
	assert.NotContains(t, header.Text.Text, " / ")

	body := blocks[1].(*goslack.SectionBlock)
	assert.NotContains(t, body.Text.Text, "Suggested runbooks")
}

func TestBuildSLOViolationMessageTruncatesLongBody(t *testing.T) {
	var failed []FailedDimension
	for i := 0; i < 200; i++ {
		failed = append(failed, FailedDimension{
			Name: strings.Repeat("x", 40), Current: 1, Target: 0, Margin: -1,
		})
	}

	blocks := BuildSLOViolationMessage("TENANT_A", "", failed, nil)
	body := blocks[1].(*goslack.SectionBlock)
	assert.LessOrEqual(t, len(body.Text.Text), maxBlockTextLength+50)
	assert.Contains(t, body.Text.Text, "truncated")
}

func TestBuildBackpressureMessage(t *testing.T) {
	blocks := BuildBackpressureMessage("NORMAL", "OVERLOADED", 0.95)
	require.Len(t, blocks, 1)

	section := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, section.Text.Text, ":warning:")
	assert.Contains(t, section.Text.Text, "NORMAL → OVERLOADED")
	assert.Contains(t, section.Text.Text, "95%")

	recovery := BuildBackpressureMessage("OVERLOADED", "NORMAL", 0.2)
	section = recovery[0].(*goslack.SectionBlock)
	assert.Contains(t, section.Text.Text, ":white_check_mark:")
}

func TestServiceNilSafe(t *testing.T) {
	var s *Service
	assert.NotPanics(t, func() {
		s.NotifySLOViolation(context.Background(), "TENANT_A", "", nil, nil)
		s.NotifyBackpressureAlert(context.Background(), "NORMAL", "WARNING", 0.8)
	})

	assert.Nil(t, NewService(ServiceConfig{Token: "", Channel: "ops"}))
	assert.Nil(t, NewService(ServiceConfig{Token: "xoxb-1", Channel: ""}))
	assert.NotNil(t, NewService(ServiceConfig{Token: "xoxb-1", Channel: "ops"}))
}

func TestServicePostsToMockAPI(t *testing.T) {
	var gotChannel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotChannel = r.Form.Get("channel")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": gotChannel, "ts": "1.0"})
	}))
	defer server.Close()

	client := NewClientWithAPIURL("xoxb-test", "C012345", server.URL+"/")
	s := NewServiceWithClient(client)

	s.NotifyBackpressureAlert(context.Background(), "NORMAL", "WARNING", 0.8)
	assert.Equal(t, "C012345", gotChannel)
}

func TestServiceDeliveryFailureIsSwallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	}))
	defer server.Close()

	client := NewClientWithAPIURL("xoxb-test", "C-missing", server.URL+"/")
	s := NewServiceWithClient(client)

	assert.NotPanics(t, func() {
		s.NotifySLOViolation(context.Background(), "TENANT_A", "", []FailedDimension{
			{Name: "error_rate", Current: 1, Target: 0, Margin: -1},
		}, nil)
	})
}
