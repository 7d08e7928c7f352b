package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

func newStreamServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	ws := NewWebSocketHandler(hub, StreamConfig{HeartbeatInterval: 50 * time.Millisecond})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{id}", func(w http.ResponseWriter, r *http.Request) {
		ws.Serve(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSSE(w, r, r.PathValue("id"), 0)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestWebSocket_StreamsSnapshotThenUpdates(t *testing.T) {
	hub := NewHub(16)
	hub.PublishRun(&domain.Run{ID: "run-1", Status: domain.RunRunning})
	srv := newStreamServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/run-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var env EnvelopeRaw
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, TypeSnapshot, env.Type)
	snap, err := Decode[SnapshotMessage](env)
	require.NoError(t, err)
	require.NotNil(t, snap.Run)
	assert.Equal(t, domain.RunRunning, snap.Run.Status)

	require.Eventually(t, func() bool { return hub.SubscriberCount("run-1") == 1 }, time.Second, 10*time.Millisecond)
	hub.PublishTask(&domain.Task{ID: "t1", RunID: "run-1", Status: domain.TaskFailed, Reason: "exit 1"})

	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, TypeTask, env.Type)
	task, err := Decode[TaskMessage](env)
	require.NoError(t, err)
	assert.Equal(t, "exit 1", task.Reason)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.SubscriberCount("run-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSE_StreamsEvents(t *testing.T) {
	hub := NewHub(16)
	srv := newStreamServer(t, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/run-1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, _ := readEvent()
	assert.Equal(t, TypeSnapshot, name)

	require.Eventually(t, func() bool { return hub.SubscriberCount("run-1") == 1 }, time.Second, 10*time.Millisecond)
	hub.PublishSample("run-1", domain.TelemetrySample{TaskID: "t1", Time: time.Now(), RSSBytes: 1024})

	name, data := readEvent()
	assert.Equal(t, TypeSample, name)
	var msg SampleMessage
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, uint64(1024), msg.Sample.RSSBytes)
}

func TestClient_ReconnectsAndGetsSnapshot(t *testing.T) {
	hub := NewHub(16)
	hub.PublishRun(&domain.Run{ID: "run-1", Status: domain.RunRunning})

	// The first connection is dropped right after the snapshot.
	var mu sync.Mutex
	conns := 0
	ws := NewWebSocketHandler(hub, StreamConfig{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()
		if first {
			up := websocket.Upgrader{}
			conn, err := up.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			data, _ := MarshalEnvelope(TypeSnapshot, hub.Snapshot("run-1"))
			conn.WriteMessage(websocket.TextMessage, data)
			conn.Close()
			return
		}
		ws.Serve(w, r, "run-1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := NewClient(wsURL(srv, "/"))
	var snapshots int
	err := client.Follow(ctx, func(env EnvelopeRaw) {
		if env.Type == TypeSnapshot {
			snapshots++
			if snapshots == 2 {
				cancel()
			}
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 2, snapshots)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, time.Second, calculateBackoff(0))
	assert.Equal(t, 4*time.Second, calculateBackoff(2))
	assert.Equal(t, maxBackoff, calculateBackoff(10))
}
