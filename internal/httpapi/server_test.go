package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/coachd/internal/catalog"
	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/config"
	"github.com/antoniostano/coachd/internal/contextual"
	"github.com/antoniostano/coachd/internal/engine"
	"github.com/antoniostano/coachd/internal/llm"
	"github.com/antoniostano/coachd/internal/observability"
	"github.com/antoniostano/coachd/internal/orchestrator"
	"github.com/antoniostano/coachd/internal/session"
	"github.com/antoniostano/coachd/internal/trigger"
)

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() error = %v", err)
	}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test_httpapi", reg)
	store := collection.NewInMemoryStore()
	conversations := session.NewManager(time.Minute)

	orch, err := orchestrator.New(orchestrator.Options{
		Catalog:       cat,
		Store:         store,
		Conversations: conversations,
		Engine:        &engine.Engine{Generator: llm.NewMockGenerator()},
		Trigger:       trigger.New(store, trigger.NewLogInvoker(nil), metrics, nil),
		Gatherer:      contextual.NewGatherer(contextual.Options{}),
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}

	srv := New(cfg, conversations, orch, metrics, reg, Info{StoreMode: store.Mode(), GeneratorMode: "mock"}, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return ts
}

type sseFrame struct {
	Event string
	Data  map[string]any
}

func readFrames(t *testing.T, body io.Reader) []sseFrame {
	t.Helper()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var frames []sseFrame
	for _, block := range strings.Split(strings.TrimSpace(string(raw)), "\n\n") {
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f.Data); err != nil {
					t.Fatalf("decode frame %q: %v", line, err)
				}
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func postChat(t *testing.T, ts *httptest.Server, body map[string]any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(ts.URL+"/v1/chat", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST /v1/chat error = %v", err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	assert.Equal(t, "memory", payload["store_mode"])
	assert.Equal(t, "mock", payload["generator_mode"])

	metricsRes, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metricsRes.Body.Close()
	assert.Equal(t, http.StatusOK, metricsRes.StatusCode)
}

func TestChatStreamsSSE(t *testing.T) {
	ts := newTestServer(t, config.Config{RequestTimeout: 10 * time.Second})

	res := postChat(t, ts, map[string]any{"userId": "u1", "coachId": "c1", "message": "how are you today"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	frames := readFrames(t, res.Body)
	require.GreaterOrEqual(t, len(frames), 4)
	assert.Equal(t, "start", frames[0].Event)
	assert.Equal(t, "metadata", frames[1].Event)
	assert.Equal(t, "chat", frames[1].Data["mode"])
	last := frames[len(frames)-1]
	assert.Equal(t, "complete", last.Event)
	assert.Equal(t, "complete", last.Data["type"])

	var text string
	for _, f := range frames {
		if f.Event == "chunk" {
			text += f.Data["content"].(string)
		}
	}
	assert.Equal(t, "Got it: how are you today", text)
}

func TestPerfLatencyWindow(t *testing.T) {
	ts := newTestServer(t, config.Config{RequestTimeout: 10 * time.Second})

	res := postChat(t, ts, map[string]any{"userId": "u1", "coachId": "c1", "message": "hello there coach"})
	_, _ = io.Copy(io.Discard, res.Body)
	res.Body.Close()

	snapshot := func() observability.TurnStageSnapshot {
		t.Helper()
		res, err := http.Get(ts.URL + "/v1/perf/latency")
		require.NoError(t, err)
		defer res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)
		var snap observability.TurnStageSnapshot
		require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
		return snap
	}

	var stages []string
	for _, s := range snapshot().Stages {
		stages = append(stages, s.Stage)
	}
	assert.Contains(t, stages, observability.StageTurnTotal)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/perf/latency", nil)
	require.NoError(t, err)
	delRes, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delRes.Body.Close()
	assert.Equal(t, http.StatusNoContent, delRes.StatusCode)

	assert.Empty(t, snapshot().Stages)
}

func TestChatValidationIsAFrame(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	res := postChat(t, ts, map[string]any{"userId": "u1", "message": "hi"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	frames := readFrames(t, res.Body)
	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[1].Event)
	assert.Equal(t, "validation_error", frames[1].Data["code"])

	bad, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestChatRateLimited(t *testing.T) {
	ts := newTestServer(t, config.Config{RateLimitPerMinute: 1})

	first := postChat(t, ts, map[string]any{"userId": "u1", "coachId": "c1", "message": "hello coach"})
	require.Equal(t, http.StatusOK, first.StatusCode)
	readFrames(t, first.Body)

	second := postChat(t, ts, map[string]any{"userId": "u1", "coachId": "c1", "message": "hello again"})
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	var payload errorResponse
	require.NoError(t, json.NewDecoder(second.Body).Decode(&payload))
	assert.Equal(t, "rate_limited", payload.Code)

	other := postChat(t, ts, map[string]any{"userId": "u2", "coachId": "c1", "message": "hello coach"})
	assert.Equal(t, http.StatusOK, other.StatusCode)
}

func TestCollectionRoutes(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	res, err := http.Get(ts.URL + "/v1/collections/active?user_id=u1&coach_id=c1")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	started := postChat(t, ts, map[string]any{"userId": "u1", "coachId": "c1", "message": "I need a new training program"})
	frames := readFrames(t, started.Body)
	done := frames[len(frames)-1]
	require.Equal(t, "complete", done.Event)
	sessionID, _ := done.Data["sessionId"].(string)
	require.NotEmpty(t, sessionID)

	res, err = http.Get(ts.URL + "/v1/collections/active?user_id=u1&coach_id=c1")
	require.NoError(t, err)
	var view map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&view))
	res.Body.Close()
	assert.Equal(t, sessionID, view["sessionId"])
	assert.Equal(t, "collecting", view["state"])

	post := func(path string, body any) *http.Response {
		raw, _ := json.Marshal(body)
		r, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
		require.NoError(t, err)
		t.Cleanup(func() { r.Body.Close() })
		return r
	}

	assert.Equal(t, http.StatusOK, post("/v1/collections/"+sessionID+"/fields/goal/clear", map[string]string{"userId": "u1"}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("/v1/collections/"+sessionID+"/fields/bogus/clear", map[string]string{"userId": "u1"}).StatusCode)
	assert.Equal(t, http.StatusConflict, post("/v1/collections/"+sessionID+"/generation/retry", map[string]string{"userId": "u1"}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("/v1/collections/"+sessionID+"/cancel", map[string]string{}).StatusCode)
	assert.Equal(t, http.StatusNotFound, post("/v1/collections/"+sessionID+"/cancel", map[string]string{"userId": "u2"}).StatusCode)

	cancelled := post("/v1/collections/"+sessionID+"/cancel", map[string]string{"userId": "u1"})
	require.Equal(t, http.StatusOK, cancelled.StatusCode)
	require.NoError(t, json.NewDecoder(cancelled.Body).Decode(&view))
	assert.Equal(t, "cancelled", view["state"])
	assert.Equal(t, collection.CancelAPI, view["cancelReason"])

	bad := post("/v1/generation/callback", map[string]string{"sessionId": sessionID, "jobId": "j1", "status": "pending"})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestChatWebsocket(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws?user_id=u1"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "turn", "coachId": "c1", "message": "hello there"}))

	var types []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		typ, _ := msg["type"].(string)
		types = append(types, typ)
		if typ == "complete" || typ == "error" {
			break
		}
	}
	assert.Equal(t, "start", types[0])
	assert.Equal(t, "complete", types[len(types)-1])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "validation_error", msg["code"])
}

func TestChatWebsocketRequiresUser(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	res, err := http.Get(ts.URL + "/v1/chat/ws")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("u1"))

	now = now.Add(2 * time.Minute)
	rl.evict()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.requests)
}
