package agentmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManager_SendTaskResolvesOnAck(t *testing.T) {
	m := New(zap.NewNop())
	outbound := m.Register("agent-1", "host-1", 4)

	done := make(chan struct{})
	go func() {
		frame := <-outbound
		require.Equal(t, "frame-bytes", string(frame))
		m.ResolveAck("agent-1", Ack{TaskID: "task-1"})
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ack, err := m.SendTask(ctx, "agent-1", "task-1", []byte("frame-bytes"))
	require.NoError(t, err)
	require.Equal(t, "task-1", ack.TaskID)
	<-done
}

func TestManager_UnregisterFailsPendingWaiters(t *testing.T) {
	m := New(zap.NewNop())
	outbound := m.Register("agent-1", "host-1", 4)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := m.SendTask(ctx, "agent-1", "task-1", []byte("x"))
		errCh <- err
	}()

	<-outbound // drain the send so SendTask is blocked on the ack waiter
	m.Unregister("agent-1")

	err := <-errCh
	require.ErrorIs(t, err, ErrAgentDisconnected)
}

func TestManager_SendTaskToUnknownAgent(t *testing.T) {
	m := New(zap.NewNop())
	_, err := m.SendTask(context.Background(), "ghost", "task-1", []byte("x"))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_ReconnectReplacesOldConnectionAndFailsItsWaiters(t *testing.T) {
	m := New(zap.NewNop())
	outbound1 := m.Register("agent-1", "host-1", 4)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := m.SendTask(ctx, "agent-1", "task-1", []byte("x"))
		errCh <- err
	}()
	<-outbound1

	m.Register("agent-1", "host-1", 4) // simulate reconnect before old conn is unregistered

	err := <-errCh
	require.ErrorIs(t, err, ErrAgentDisconnected)
	require.True(t, m.IsOnline("agent-1"))
}

func TestManager_ListOnlineAndIsOnline(t *testing.T) {
	m := New(zap.NewNop())
	require.False(t, m.IsOnline("agent-1"))
	m.Register("agent-1", "host-1", 1)
	m.Register("agent-2", "host-2", 1)
	require.True(t, m.IsOnline("agent-1"))
	require.ElementsMatch(t, []string{"agent-1", "agent-2"}, m.ListOnline())

	m.Unregister("agent-1")
	require.False(t, m.IsOnline("agent-1"))
	require.Equal(t, []string{"agent-2"}, m.ListOnline())
}

func TestManager_ResolveAckIgnoresUnknownTask(t *testing.T) {
	m := New(zap.NewNop())
	m.Register("agent-1", "host-1", 1)
	m.ResolveAck("agent-1", Ack{TaskID: "no-such-task"}) // must not panic or block
}
