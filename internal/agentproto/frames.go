// Package agentproto defines the JSON frame types exchanged over the
// Hub<->Agent WebSocket connection: every frame carries a protocol version
// and a type discriminator; event-class frames additionally carry a message
// ID and a monotone sequence number for idempotent reconnect ingest.
package agentproto

import "encoding/json"

// ProtocolVersion is the current Hub<->Agent wire protocol version, sent in
// every frame's "v" field and checked during hello negotiation.
const ProtocolVersion = 1

// Type identifies a frame's payload shape.
type Type string

const (
	TypeHello    Type = "hello"
	TypeHelloAck Type = "hello_ack"
	TypeTask     Type = "task"
	TypeAck      Type = "ack"
	TypeEvent    Type = "event"
	TypeResult   Type = "result"
	TypePing     Type = "ping"
	TypePong     Type = "pong"
)

// TaskKind identifies what a dispatched task asks the agent to do.
type TaskKind string

const (
	TaskBackup  TaskKind = "backup"
	TaskRestore TaskKind = "restore"
	TaskVerify  TaskKind = "verify"
	TaskFSList  TaskKind = "fs_list"
	TaskControl TaskKind = "control"
)

// Envelope is the outer shape every frame shares. Payload is decoded into
// the concrete type named by Type once the caller has switched on it.
type Envelope struct {
	V     int             `json:"v"`
	Type  Type            `json:"type"`
	MsgID string          `json:"msg_id,omitempty"`
	Seq   int64           `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hello is sent client -> server once per connection, before any task may be
// dispatched. ConfigSnapshotID lets the Hub skip re-sending configuration the
// agent already has cached.
type Hello struct {
	AgentID          string   `json:"agent_id"`
	Version          string   `json:"version"`
	Capabilities     []string `json:"capabilities"`
	ConfigSnapshotID string   `json:"config_snapshot_id,omitempty"`
	CPUCount         int      `json:"cpu_count"`
	TotalMemoryBytes uint64   `json:"total_memory_bytes"`
	FreeDiskBytes    uint64   `json:"free_disk_bytes"`
}

// HelloAck is sent server -> client in response to Hello, confirming the
// negotiated version and whether the agent's cached config is still valid.
type HelloAck struct {
	Accepted         bool   `json:"accepted"`
	Reason           string `json:"reason,omitempty"`
	ConfigSnapshotID string `json:"config_snapshot_id,omitempty"`
}

// Task is sent server -> client to dispatch one unit of work.
type Task struct {
	TaskID  string          `json:"task_id"`
	Kind    TaskKind        `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Ack is sent client -> server immediately on receipt of a Task, before
// execution begins, so the Hub's pending-request waiter can resolve.
type Ack struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

// Event is sent client -> server to ingest a run event recorded while the
// agent executed a task, including any buffered while the agent was
// offline. (RunID, Seq) is idempotent: re-ingesting an already-seen pair
// must not create a duplicate row.
type Event struct {
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	Level   string          `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
	TS      string          `json:"ts"` // RFC3339Nano; string on the wire to survive buffering/replay untouched
}

// Result is sent client -> server as the terminal outcome of a task.
type Result struct {
	TaskID  string          `json:"task_id"`
	RunID   string          `json:"run_id,omitempty"`
	Status  string          `json:"status"` // "success" | "failed"
	Error   string          `json:"error,omitempty"`
	Summary json.RawMessage `json:"summary,omitempty"`
}

// Encode wraps a typed payload in an Envelope and marshals it. msgID and seq
// are copied into the envelope as given for every frame type; Encode does not
// check that only event-class frames (event, result) carry them.
func Encode(typ Type, msgID string, seq int64, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env := Envelope{V: ProtocolVersion, Type: typ, MsgID: msgID, Seq: seq, Data: data}
	return json.Marshal(env)
}

// Decode unmarshals a raw frame into its Envelope and, if v is non-nil, its
// typed payload.
func Decode(raw []byte, v any) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if v != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return env, err
		}
	}
	return env, nil
}
