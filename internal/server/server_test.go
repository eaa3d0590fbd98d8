package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeswarm/internal/bus"
	"codeswarm/internal/config"
	"codeswarm/internal/jsonx"
	"codeswarm/internal/swarm"
	"codeswarm/internal/token"
)

func newTestServer(t *testing.T) (*Server, *config.Manager, *bus.Bus) {
	t.Helper()
	cfg := config.Default()
	cfg.APIKey = "secret-key"
	cfgMgr := config.NewManager(cfg)
	events := bus.New()
	sw := swarm.New(cfgMgr, events, nil)
	return NewServer(sw, cfgMgr, "127.0.0.1:0", nil), cfgMgr, events
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	var parsed map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &parsed))
	}
	return rec, parsed
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, body := doJSON(t, s, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
}

func TestStatusReportsTokenTotals(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.swarm.Accountant().Record(token.Usage{PromptTokens: 100, CompletionTokens: 40})

	rec, body := doJSON(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	tokens := data["tokens"].(map[string]any)
	assert.Equal(t, float64(140), tokens["total_tokens"])
	assert.Equal(t, float64(1), tokens["calls"])
}

func TestConfigRedactsAPIKey(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, body := doJSON(t, s, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "********", data["api_key"])
}

func TestUpdateConfigAppliesPartialChanges(t *testing.T) {
	s, cfgMgr, _ := newTestServer(t)
	rec, _ := doJSON(t, s, http.MethodPut, "/api/config",
		`{"model":"gpt-4o","max_concurrent":7}`)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg := cfgMgr.Snapshot()
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, 7, cfg.MaxConcurrent)
	assert.Equal(t, "secret-key", cfg.APIKey, "untouched fields survive")
}

func TestBuildRequiresTask(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, body := doJSON(t, s, http.MethodPost, "/api/build", `{"root_dir":"/tmp/x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "task")
}

func TestContinueRequiresChangeRequest(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, _ := doJSON(t, s, http.MethodPost, "/api/continue", `{"root_dir":"/tmp/x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsCountBusEvents(t *testing.T) {
	s, _, events := newTestServer(t)
	events.Publish(bus.TopicSubtaskCompleted, nil)
	events.Publish(bus.TopicSubtaskCompleted, nil)
	events.Publish(bus.TopicRateLimitWait, nil)
	events.Publish(bus.TopicTokensUpdate, token.Totals{PromptTokens: 10, CompletionTokens: 5, Calls: 2})

	rec, _ := doJSON(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, "codeswarm_subtasks_completed_total 2")
	assert.Contains(t, text, "codeswarm_rate_limit_waits_total 1")
	assert.Contains(t, text, "codeswarm_prompt_tokens 10")
	assert.Contains(t, text, "codeswarm_llm_calls 2")
}

func TestEventStreamForwardsBusEvents(t *testing.T) {
	s, _, events := newTestServer(t)
	ts := httptest.NewServer(s.engine)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the subscription a moment to attach
	time.Sleep(50 * time.Millisecond)
	events.Publish(bus.TopicProjectDone, map[string]any{"summary": "built"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev map[string]any
	require.NoError(t, jsonx.Unmarshal(data, &ev))
	assert.Equal(t, bus.TopicProjectDone, ev["topic"])
	payload := ev["payload"].(map[string]any)
	assert.Equal(t, "built", payload["summary"])
}
