package wsserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/agentmanager"
	"github.com/Syt100/bastion-sub003/internal/agentproto"
)

type recordingHandler struct {
	helloCh  chan agentproto.Hello
	eventCh  chan agentproto.Event
	resultCh chan agentproto.Result
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		helloCh:  make(chan agentproto.Hello, 4),
		eventCh:  make(chan agentproto.Event, 4),
		resultCh: make(chan agentproto.Result, 4),
	}
}

func (h *recordingHandler) OnHello(ctx context.Context, agentID string, hello agentproto.Hello) (agentproto.HelloAck, error) {
	h.helloCh <- hello
	return agentproto.HelloAck{Accepted: true}, nil
}

func (h *recordingHandler) OnEvent(ctx context.Context, agentID string, ev agentproto.Event) error {
	h.eventCh <- ev
	return nil
}

func (h *recordingHandler) OnResult(ctx context.Context, agentID string, res agentproto.Result) error {
	h.resultCh <- res
	return nil
}

func newTestServer(t *testing.T, manager *agentmanager.Manager, handler Handler) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agent_id")
		conn, err := Upgrade(w, r, agentID, manager, handler, zap.NewNop())
		require.NoError(t, err)
		conn.Serve(context.Background())
	})
	srv := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent?agent_id=agent-1"
	return srv, wsURL
}

func TestConn_HelloAckRoundTrip(t *testing.T) {
	manager := agentmanager.New(zap.NewNop())
	handler := newRecordingHandler()
	srv, wsURL := newTestServer(t, manager, handler)
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	hello := agentproto.Hello{AgentID: "agent-1", Version: "1.0", Capabilities: []string{"backup"}}
	frame, err := agentproto.Encode(agentproto.TypeHello, "", 0, hello)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, frame))

	select {
	case got := <-handler.helloCh:
		require.Equal(t, "agent-1", got.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hello to reach handler")
	}

	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	var ack agentproto.HelloAck
	env, err := agentproto.Decode(raw, &ack)
	require.NoError(t, err)
	require.Equal(t, agentproto.TypeHelloAck, env.Type)
	require.True(t, ack.Accepted)
}

func TestConn_TaskDispatchAndAck(t *testing.T) {
	manager := agentmanager.New(zap.NewNop())
	handler := newRecordingHandler()
	srv, wsURL := newTestServer(t, manager, handler)
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	// Give the server a moment to register the connection before dispatching.
	require.Eventually(t, func() bool { return manager.IsOnline("agent-1") }, time.Second, 10*time.Millisecond)

	dispatchErrCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dispatchErrCh <- DispatchTask(ctx, manager, "agent-1", agentproto.Task{TaskID: "task-1", Kind: agentproto.TaskBackup})
	}()

	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	var task agentproto.Task
	env, err := agentproto.Decode(raw, &task)
	require.NoError(t, err)
	require.Equal(t, agentproto.TypeTask, env.Type)
	require.Equal(t, "task-1", task.TaskID)

	ackFrame, err := agentproto.Encode(agentproto.TypeAck, "", 0, agentproto.Ack{TaskID: "task-1"})
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, ackFrame))

	require.NoError(t, <-dispatchErrCh)
}

func TestConn_EventIngestAndDisconnectUnregisters(t *testing.T) {
	manager := agentmanager.New(zap.NewNop())
	handler := newRecordingHandler()
	srv, wsURL := newTestServer(t, manager, handler)
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	ev := agentproto.Event{RunID: "run-1", Seq: 1, Level: "info", Kind: "progress", Message: "ok", TS: "2026-07-31T00:00:00Z"}
	frame, err := agentproto.Encode(agentproto.TypeEvent, "", 0, ev)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, frame))

	select {
	case got := <-handler.eventCh:
		require.Equal(t, "run-1", got.RunID)
		require.Equal(t, int64(1), got.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event to reach handler")
	}

	require.True(t, manager.IsOnline("agent-1"))
	client.Close()
	require.Eventually(t, func() bool { return !manager.IsOnline("agent-1") }, 2*time.Second, 10*time.Millisecond)
}
