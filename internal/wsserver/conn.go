// Package wsserver implements the Hub side of the Hub<->Agent WebSocket
// connection: HTTP upgrade, a per-connection read/write pump pair, JSON
// frame (de)serialization via internal/agentproto, and wiring into
// internal/agentmanager's registry.
package wsserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/agentmanager"
	"github.com/Syt100/bastion-sub003/internal/agentproto"
)

const (
	writeWait      = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingPeriod     = (pongTimeout * 9) / 10
	maxMessageSize = 4 << 20 // 4MiB: task payloads and buffered event batches can be large
	outboundBuf    = 64
	localBuf       = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin validation is delegated to the reverse proxy, same as the
	// teacher's pub/sub hub.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler processes the application-level content of inbound frames. The
// connection pump itself is transport plumbing only — it never touches the
// store directly.
type Handler interface {
	// OnHello validates a hello frame and returns the ack to send back.
	OnHello(ctx context.Context, agentID string, hello agentproto.Hello) (agentproto.HelloAck, error)
	// OnEvent ingests one run event. The hub's implementation skips a
	// (run_id, seq) it has already seen in this process; a replay after a
	// hub restart is ingested again.
	OnEvent(ctx context.Context, agentID string, ev agentproto.Event) error
	// OnResult processes a task's terminal outcome.
	OnResult(ctx context.Context, agentID string, res agentproto.Result) error
}

// Conn is one live Hub<->Agent connection.
type Conn struct {
	agentID string
	ws      *websocket.Conn
	manager *agentmanager.Manager
	handler Handler
	logger  *zap.Logger

	outbound <-chan []byte // manager-owned: task frames from SendTask
	local    chan []byte   // connection-owned: hello acks
}

// Upgrade upgrades the HTTP request to a WebSocket connection, registers
// agentID with manager, and returns a Conn ready to Serve. The caller has
// already authenticated the agent (enrollment token or agent_key) before
// calling this.
func Upgrade(w http.ResponseWriter, r *http.Request, agentID string, manager *agentmanager.Manager, handler Handler, logger *zap.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	outbound := manager.Register(agentID, r.UserAgent(), outboundBuf)

	return &Conn{
		agentID:  agentID,
		ws:       ws,
		manager:  manager,
		handler:  handler,
		logger:   logger.With(zap.String("agent_id", agentID)),
		outbound: outbound,
		local:    make(chan []byte, localBuf),
	}, nil
}

// Serve runs the read and write pumps until the connection closes. It
// blocks; callers typically run it directly from the HTTP handler
// goroutine, mirroring the teacher's websocket.Client.Run.
func (c *Conn) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)

	c.manager.Unregister(c.agentID)
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.ws.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("wsserver: unexpected close", zap.Error(err))
			}
			return
		}

		if err := c.handleFrame(ctx, raw); err != nil {
			c.logger.Warn("wsserver: frame handling error", zap.Error(err))
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, raw []byte) error {
	switch env, err := agentproto.Decode(raw, nil); {
	case err != nil:
		return err
	default:
		switch env.Type {
		case agentproto.TypeHello:
			var hello agentproto.Hello
			if _, err := agentproto.Decode(raw, &hello); err != nil {
				return err
			}
			ack, err := c.handler.OnHello(ctx, c.agentID, hello)
			if err != nil {
				ack = agentproto.HelloAck{Accepted: false, Reason: err.Error()}
			}
			return c.sendLocal(agentproto.TypeHelloAck, ack)

		case agentproto.TypeAck:
			var ack agentproto.Ack
			if _, err := agentproto.Decode(raw, &ack); err != nil {
				return err
			}
			var ackErr error
			if ack.Error != "" {
				ackErr = errors.New(ack.Error)
			}
			c.manager.ResolveAck(c.agentID, agentmanager.Ack{TaskID: ack.TaskID, Err: ackErr})
			return nil

		case agentproto.TypeEvent:
			var ev agentproto.Event
			if _, err := agentproto.Decode(raw, &ev); err != nil {
				return err
			}
			return c.handler.OnEvent(ctx, c.agentID, ev)

		case agentproto.TypeResult:
			var res agentproto.Result
			if _, err := agentproto.Decode(raw, &res); err != nil {
				return err
			}
			return c.handler.OnResult(ctx, c.agentID, res)

		case agentproto.TypePong:
			_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil

		default:
			return nil
		}
	}
}

func (c *Conn) sendLocal(typ agentproto.Type, payload any) error {
	frame, err := agentproto.Encode(typ, "", 0, payload)
	if err != nil {
		return err
	}
	select {
	case c.local <- frame:
	default:
		c.logger.Warn("wsserver: local frame queue full, dropping", zap.String("type", string(typ)))
	}
	return nil
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.outbound:
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(frame); err != nil {
				return
			}

		case frame := <-c.local:
			if err := c.write(frame); err != nil {
				return
			}

		case <-ticker.C:
			ping, err := agentproto.Encode(agentproto.TypePing, "", 0, struct{}{})
			if err != nil {
				continue
			}
			if err := c.write(ping); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) write(frame []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn("wsserver: write error", zap.Error(err))
		return err
	}
	return nil
}
