package feed

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/sf7293/task-relay/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *events.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	bus := events.NewBus()
	hub := NewHub(bus)

	r := gin.New()
	r.GET("/ws", hub.ServeWS)
	r.GET("/events", hub.ServeSSE)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, bus
}

func TestServeWS_StreamsEvents(t *testing.T) {
	ts, bus := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?types=task:", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.Event{Type: events.LockAcquired, Timestamp: 1})
	bus.Publish(events.Event{Type: events.TaskCreated, Payload: map[string]string{"id": "t1"}, Timestamp: 2})

	var got struct {
		Type      string            `json:"type"`
		Payload   map[string]string `json:"payload"`
		Timestamp int64             `json:"timestamp"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, events.TaskCreated, got.Type)
	assert.Equal(t, "t1", got.Payload["id"])
	assert.Equal(t, int64(2), got.Timestamp)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServeSSE_StreamsEvents(t *testing.T) {
	ts, bus := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)

	go func() {
		for bus.SubscriberCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		bus.Publish(events.Event{Type: events.TaskCompleted, Payload: "t1", Timestamp: 3})
	}()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event:task:completed", lines[0])
	assert.Contains(t, lines[1], `"type":"task:completed"`)
}
