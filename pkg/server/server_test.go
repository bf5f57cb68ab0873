package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/model"
	"github.com/lotse-ki/lotse/pkg/progress"
)

func testServer(t *testing.T) (*Server, *progress.Bus) {
	t.Helper()
	bus := progress.NewBus(config.ProgressConfig{
		ReplayBufferSize: 32,
		ReplayTTL:        time.Minute,
		SubscriberBuffer: 16,
	})
	return New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, nil, bus), bus
}

func TestHandleQueryRejectsInvalidBody(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.handleQuery(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "bad_request", resp.Kind)
}

func TestHandleQueryRejectsEmptyText(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"text": ""}`))
	rec := httptest.NewRecorder()
	srv.handleQuery(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "text is required")
}

func TestHandleHealth(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

// sseFrame is one parsed "id/event/data" block from the stream.
type sseFrame struct {
	id    string
	event string
	data  string
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.event != "" {
				frames = append(frames, cur)
				cur = sseFrame{}
			}
		}
	}
	return frames
}

func TestHandleEventsReplaysAndEndsOnPipelineDone(t *testing.T) {
	srv, bus := testServer(t)

	bus.Publish("s1", model.StageClassifying, model.EventStarted, model.KindIntentDone, nil)
	bus.Publish("s1", model.StageRetrieving, model.EventDone, model.KindRetrievalDone, map[string]any{"total_sources": 3})
	bus.Publish("s1", model.StagePipeline, model.EventDone, model.KindPipelineDone, nil)

	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/sessions/s1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := new(strings.Builder)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteString("\n")
	}

	frames := parseSSE(t, buf.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "1", frames[0].id)
	assert.Equal(t, model.KindIntentDone, frames[0].event)
	assert.Equal(t, model.KindPipelineDone, frames[2].event)

	var ev model.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &ev))
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, float64(3), ev.Payload["total_sources"])
}

func TestHandleEventsResumesAfterLastEventID(t *testing.T) {
	srv, bus := testServer(t)

	for i := 0; i < 4; i++ {
		bus.Publish("s2", model.StageRetrieving, model.EventProgress, model.KindRetrievalProgress, nil)
	}
	bus.Publish("s2", model.StagePipeline, model.EventDone, model.KindPipelineDone, nil)

	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/sessions/s2/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "3")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(strings.Builder)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteString("\n")
	}

	frames := parseSSE(t, buf.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "4", frames[0].id)
	assert.Equal(t, "5", frames[1].id)
}
