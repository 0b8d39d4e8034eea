// Package agentmanager maintains the Hub-side registry of connected agents:
// one outbound frame channel and one pending-ack map per connection.
//
// Unlike a gRPC stream, the Hub<->Agent WebSocket connection has no
// unary-response semantics — an agent's "ack" for a dispatched task arrives
// asynchronously on the same connection's read loop, not as the return value
// of the send. SendTask bridges that gap with a per-task waiter channel that
// the read loop resolves via ResolveAck.
package agentmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAgentDisconnected is the deterministic error every pending SendTask
// waiter receives when its agent's connection is unregistered — never a bare
// "channel closed" panic or a generic context error.
var ErrAgentDisconnected = errors.New("agentmanager: agent disconnected")

// ErrNotConnected is returned by SendTask when the target agent has no
// active connection at all.
var ErrNotConnected = errors.New("agentmanager: agent not connected")

// Ack is the outcome of a dispatched task as reported by the agent.
type Ack struct {
	TaskID string
	Err    error // non-nil if the agent rejected the task
}

type ackWaiter chan Ack

// connection holds one agent's live connection state: the channel its
// WebSocket write pump drains, and the pending map from task ID to the
// channel SendTask is blocked on.
type connection struct {
	agentID  string
	hostname string
	outbound chan []byte

	mu      sync.Mutex
	pending map[string]ackWaiter
}

// Manager is the in-memory registry of connected agents. Safe for concurrent
// use — the WebSocket server's read/write pumps and the scheduler/queue
// workers all call into it from separate goroutines.
type Manager struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	logger *zap.Logger
}

// New creates an empty Manager.
func New(logger *zap.Logger) *Manager {
	return &Manager{
		conns:  make(map[string]*connection),
		logger: logger.Named("agentmanager"),
	}
}

// Register creates a connection entry for agentID and returns the outbound
// channel its WebSocket write pump must drain to deliver frames. A prior
// connection for the same agent ID (a reconnect racing ahead of the old
// connection's teardown) is treated as disconnected: the new entry replaces
// it, and then its pending waiters fail with ErrAgentDisconnected.
func (m *Manager) Register(agentID, hostname string, outboundBuf int) <-chan []byte {
	m.mu.Lock()
	old, exists := m.conns[agentID]
	outbound := make(chan []byte, outboundBuf)
	m.conns[agentID] = &connection{
		agentID:  agentID,
		hostname: hostname,
		outbound: outbound,
		pending:  make(map[string]ackWaiter),
	}
	m.mu.Unlock()

	if exists {
		m.logger.Warn("replacing existing agent connection",
			zap.String("agent_id", agentID), zap.String("hostname", hostname))
		failPending(old, ErrAgentDisconnected)
	}

	m.logger.Info("agent connected", zap.String("agent_id", agentID), zap.String("hostname", hostname))
	return outbound
}

// Unregister removes agentID's connection and completes every pending
// SendTask waiter with ErrAgentDisconnected, clearing the pending map in
// place rather than replacing it — repeated reconnect cycles must not
// accumulate allocations.
func (m *Manager) Unregister(agentID string) {
	m.mu.Lock()
	conn, exists := m.conns[agentID]
	if exists {
		delete(m.conns, agentID)
	}
	m.mu.Unlock()

	if !exists {
		return
	}
	failPending(conn, ErrAgentDisconnected)
	m.logger.Info("agent disconnected", zap.String("agent_id", agentID))
}

func failPending(conn *connection, err error) {
	conn.mu.Lock()
	for taskID, waiter := range conn.pending {
		waiter <- Ack{TaskID: taskID, Err: err}
		delete(conn.pending, taskID)
	}
	conn.mu.Unlock()
}

// SendTask enqueues frame on agentID's outbound channel and blocks until the
// matching Ack arrives via ResolveAck, ctx is done, or the connection is
// unregistered.
func (m *Manager) SendTask(ctx context.Context, agentID, taskID string, frame []byte) (Ack, error) {
	m.mu.RLock()
	conn, exists := m.conns[agentID]
	m.mu.RUnlock()
	if !exists {
		return Ack{}, ErrNotConnected
	}

	waiter := make(ackWaiter, 1)
	conn.mu.Lock()
	conn.pending[taskID] = waiter
	conn.mu.Unlock()

	cleanup := func() {
		conn.mu.Lock()
		delete(conn.pending, taskID)
		conn.mu.Unlock()
	}

	select {
	case conn.outbound <- frame:
	case <-ctx.Done():
		cleanup()
		return Ack{}, ctx.Err()
	}

	select {
	case ack := <-waiter:
		return ack, ack.Err
	case <-ctx.Done():
		cleanup()
		return Ack{}, ctx.Err()
	}
}

// ResolveAck delivers an ack frame observed on agentID's read loop to the
// matching SendTask waiter, if one is still pending. A stray ack for an
// unknown or already-resolved task ID (duplicate delivery, late retry) is
// silently dropped.
func (m *Manager) ResolveAck(agentID string, ack Ack) {
	m.mu.RLock()
	conn, exists := m.conns[agentID]
	m.mu.RUnlock()
	if !exists {
		return
	}

	conn.mu.Lock()
	waiter, ok := conn.pending[ack.TaskID]
	if ok {
		delete(conn.pending, ack.TaskID)
	}
	conn.mu.Unlock()

	if ok {
		waiter <- ack
	}
}

// IsOnline reports whether agentID currently has a registered connection.
func (m *Manager) IsOnline(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.conns[agentID]
	return exists
}

// ListOnline returns the IDs of all currently connected agents.
func (m *Manager) ListOnline() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// WaitOnline blocks until agentID connects or ctx is done. Used sparingly —
// e.g. a manual "run now" dispatch issued just after an agent's expected
// reconnect window.
func (m *Manager) WaitOnline(ctx context.Context, agentID string, pollEvery time.Duration) error {
	if pollEvery <= 0 {
		pollEvery = 250 * time.Millisecond
	}
	for {
		if m.IsOnline(agentID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("agentmanager: timed out waiting for agent %s: %w", agentID, ctx.Err())
		case <-time.After(pollEvery):
		}
	}
}
