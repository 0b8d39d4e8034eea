// Package agentclient implements the Agent side of the Hub<->Agent
// WebSocket connection: enrollment, persisted identity, reconnect with
// backoff, the hello/task/ack/event/result frame exchange, and dispatching
// backup tasks to internal/executor.
package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/agentproto"
	"github.com/Syt100/bastion-sub003/internal/backoff"
	"github.com/Syt100/bastion-sub003/internal/executor"
	"github.com/Syt100/bastion-sub003/internal/target"
)

const (
	writeWait      = 10 * time.Second
	pongTimeout    = 90 * time.Second
	maxMessageSize = 4 << 20
	outboundBuf    = 256
)

// capabilities lists what this agent binary can execute. Sent in every
// Hello frame so the Hub can reason about capacity before dispatching.
var capabilities = []string{"filesystem", "sqlite", "local_dir", "webdav", "age"}

// Config holds everything Client needs to enroll and connect.
type Config struct {
	// HubURL is the Hub's base HTTP(S) URL, e.g. "https://bastion.example.com".
	// The WebSocket URL is derived from it.
	HubURL string
	// AgentID identifies this agent's row on the Hub. Required for both the
	// enroll exchange and the connect URL.
	AgentID string
	// EnrollToken is the single-use token exchanged for an agent key on
	// first run. Ignored once an identity is already persisted.
	EnrollToken string
	// StateDir holds the persisted identity file.
	StateDir string
	// StagingRoot is where Executor stages runs before upload.
	StagingRoot string
	Version     string
	RateLimits  target.MethodLimits
}

// Client runs the agent's connection lifecycle. Call Run to start it; it
// blocks until ctx is cancelled.
type Client struct {
	cfg    Config
	logger *zap.Logger

	outbound chan []byte

	seqMu sync.Mutex
	seq   map[string]int64
}

// New returns a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:      cfg,
		logger:   logger.Named("agentclient"),
		outbound: make(chan []byte, outboundBuf),
		seq:      make(map[string]int64),
	}
}

// Run ensures the agent is enrolled, then connects and reconnects with
// exponential backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	key, err := c.ensureIdentity(ctx)
	if err != nil {
		c.logger.Error("enrollment failed, cannot start", zap.Error(err))
		return
	}

	delay := time.Duration(0)
	for {
		if ctx.Err() != nil {
			return
		}

		c.logger.Info("connecting to hub", zap.String("hub_url", c.cfg.HubURL))
		if err := c.connect(ctx, key); err != nil {
			delay = backoff.Default.NextJittered(delay)
			c.logger.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
	}
}

// ensureIdentity loads a persisted agent key, enrolling for one if none
// exists yet.
func (c *Client) ensureIdentity(ctx context.Context) (string, error) {
	id, err := loadIdentity(c.cfg.StateDir)
	if err != nil {
		return "", err
	}
	if id.Key != "" && id.AgentID == c.cfg.AgentID {
		return id.Key, nil
	}

	if c.cfg.EnrollToken == "" {
		return "", fmt.Errorf("agentclient: no persisted identity and no enrollment token configured")
	}

	key, err := enroll(ctx, c.cfg.HubURL, c.cfg.AgentID, c.cfg.EnrollToken)
	if err != nil {
		return "", err
	}
	if err := saveIdentity(c.cfg.StateDir, identity{AgentID: c.cfg.AgentID, Key: key}); err != nil {
		c.logger.Warn("failed to persist agent identity", zap.Error(err))
	}
	return key, nil
}

// connect dials one WebSocket session, runs the hello handshake, and pumps
// frames until the connection ends. Returns when the session ends.
func (c *Client) connect(ctx context.Context, key string) error {
	wsURL, err := connectURL(c.cfg.HubURL, c.cfg.AgentID)
	if err != nil {
		return err
	}

	header := map[string][]string{"Authorization": {"Bearer " + key}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("agentclient: dial failed, status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("agentclient: dial failed: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPingHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(sessionCtx, conn)

	hello := agentproto.Hello{
		AgentID:      c.cfg.AgentID,
		Version:      c.cfg.Version,
		Capabilities: capabilities,
	}
	info := collectHostInfo(c.cfg.StagingRoot)
	hello.CPUCount = info.cpuCount
	hello.TotalMemoryBytes = info.totalMem
	hello.FreeDiskBytes = info.freeDisk

	frame, err := agentproto.Encode(agentproto.TypeHello, "", 0, hello)
	if err != nil {
		return fmt.Errorf("agentclient: encoding hello: %w", err)
	}
	if err := c.writeDirect(conn, frame); err != nil {
		return fmt.Errorf("agentclient: sending hello: %w", err)
	}

	c.logger.Info("connected to hub", zap.String("agent_id", c.cfg.AgentID))
	return c.readPump(sessionCtx, conn)
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("agentclient: read failed: %w", err)
		}

		env, err := agentproto.Decode(raw, nil)
		if err != nil {
			c.logger.Warn("agentclient: decode failed", zap.Error(err))
			continue
		}

		switch env.Type {
		case agentproto.TypeHelloAck:
			var ack agentproto.HelloAck
			_, _ = agentproto.Decode(raw, &ack)
			if !ack.Accepted {
				return fmt.Errorf("agentclient: hub rejected hello: %s", ack.Reason)
			}

		case agentproto.TypeTask:
			var task agentproto.Task
			if _, err := agentproto.Decode(raw, &task); err != nil {
				c.logger.Warn("agentclient: decoding task failed", zap.Error(err))
				continue
			}
			c.handleTask(ctx, task)

		case agentproto.TypePing:
			pong, err := agentproto.Encode(agentproto.TypePong, "", 0, struct{}{})
			if err == nil {
				c.enqueue(pong)
			}

		default:
			// hello/ack/event/result/pong are never sent hub -> agent.
		}
	}
}

// handleTask acks the task immediately, then executes it in the background
// so a single long backup cannot starve the read pump.
func (c *Client) handleTask(ctx context.Context, task agentproto.Task) {
	ack, err := agentproto.Encode(agentproto.TypeAck, "", 0, agentproto.Ack{TaskID: task.TaskID})
	if err == nil {
		c.enqueue(ack)
	}

	if task.Kind != agentproto.TaskBackup {
		c.sendResult(task.TaskID, "", false, fmt.Sprintf("unsupported task kind %q", task.Kind), nil)
		return
	}

	var payload executor.BackupTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		c.sendResult(task.TaskID, "", false, fmt.Sprintf("decoding backup payload: %v", err), nil)
		return
	}

	go c.runBackup(ctx, task.TaskID, payload)
}

func (c *Client) runBackup(ctx context.Context, taskID string, payload executor.BackupTaskPayload) {
	exec := executor.New(payload.Secrets, c.cfg.StagingRoot, c.cfg.RateLimits)

	summary, err := exec.Run(ctx, payload.JobID, payload.RunID, payload.NodeID, payload.Spec, func(ev executor.Event) {
		c.sendEvent(payload.RunID, ev)
	})
	if err != nil {
		c.sendResult(taskID, payload.RunID, false, err.Error(), nil)
		return
	}

	summaryJSON, _ := json.Marshal(summary)
	c.sendResult(taskID, payload.RunID, true, "", summaryJSON)
}

func (c *Client) sendEvent(runID string, ev executor.Event) {
	seq := c.nextSeq(runID)
	frame, err := agentproto.Encode(agentproto.TypeEvent, "", seq, agentproto.Event{
		RunID:   runID,
		Seq:     seq,
		Level:   string(ev.Level),
		Kind:    ev.Kind,
		Message: ev.Message,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		c.logger.Warn("agentclient: encoding event failed", zap.Error(err))
		return
	}
	c.enqueue(frame)
}

func (c *Client) sendResult(taskID, runID string, success bool, errMsg string, summary json.RawMessage) {
	status := "failed"
	if success {
		status = "success"
	}
	frame, err := agentproto.Encode(agentproto.TypeResult, "", 0, agentproto.Result{
		TaskID: taskID, RunID: runID, Status: status, Error: errMsg, Summary: summary,
	})
	if err != nil {
		c.logger.Warn("agentclient: encoding result failed", zap.Error(err))
		return
	}
	c.enqueue(frame)
}

func (c *Client) nextSeq(runID string) int64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq[runID]++
	return c.seq[runID]
}

// enqueue buffers a frame for the write pump. Frames keep queueing across a
// dropped connection, so an event or result generated while offline is
// delivered as soon as the next session's write pump starts draining.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.outbound <- frame:
	default:
		c.logger.Warn("agentclient: outbound queue full, dropping frame")
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.outbound:
			if err := c.writeDirect(conn, frame); err != nil {
				c.logger.Warn("agentclient: write failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) writeDirect(conn *websocket.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// connectURL derives the agent's WebSocket connect URL from the Hub's base
// HTTP(S) URL.
func connectURL(hubURL, agentID string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("agentclient: invalid hub url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("agentclient: unsupported hub url scheme %q", u.Scheme)
	}
	if _, err := uuid.Parse(agentID); err != nil {
		return "", fmt.Errorf("agentclient: invalid agent id %q: %w", agentID, err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/agents/" + agentID + "/connect"
	return u.String(), nil
}
