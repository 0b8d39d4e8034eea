package agentproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_TaskRoundTrip(t *testing.T) {
	task := Task{TaskID: "task-1", Kind: TaskBackup, Payload: []byte(`{"job_id":"job-1"}`)}
	raw, err := Encode(TypeTask, "", 0, task)
	require.NoError(t, err)

	var got Task
	env, err := Decode(raw, &got)
	require.NoError(t, err)
	require.Equal(t, ProtocolVersion, env.V)
	require.Equal(t, TypeTask, env.Type)
	require.Equal(t, task.TaskID, got.TaskID)
	require.Equal(t, task.Kind, got.Kind)
}

func TestEncodeDecode_EventCarriesSeqAndMsgID(t *testing.T) {
	ev := Event{RunID: "run-1", Seq: 3, Level: "info", Kind: "progress", Message: "ok", TS: "2026-07-31T00:00:00Z"}
	raw, err := Encode(TypeEvent, "msg-abc", 3, ev)
	require.NoError(t, err)

	var got Event
	env, err := Decode(raw, &got)
	require.NoError(t, err)
	require.Equal(t, "msg-abc", env.MsgID)
	require.Equal(t, int64(3), env.Seq)
	require.Equal(t, ev.RunID, got.RunID)
	require.Equal(t, ev.Seq, got.Seq)
}

func TestDecode_EnvelopeOnlyWithNilTarget(t *testing.T) {
	raw, err := Encode(TypePing, "", 0, struct{}{})
	require.NoError(t, err)

	env, err := Decode(raw, nil)
	require.NoError(t, err)
	require.Equal(t, TypePing, env.Type)
}
