package wsserver

import (
	"context"
	"fmt"

	"github.com/Syt100/bastion-sub003/internal/agentmanager"
	"github.com/Syt100/bastion-sub003/internal/agentproto"
)

// DispatchTask encodes task as a wire frame and sends it to agentID via
// manager, blocking for the agent's ack. This is the scheduler/queue
// worker's entry point for the agent manager's send_task(agent_id, task) ->
// Future<Ack> contract.
func DispatchTask(ctx context.Context, manager *agentmanager.Manager, agentID string, task agentproto.Task) error {
	frame, err := agentproto.Encode(agentproto.TypeTask, "", 0, task)
	if err != nil {
		return fmt.Errorf("wsserver: encoding task %s: %w", task.TaskID, err)
	}

	ack, err := manager.SendTask(ctx, agentID, task.TaskID, frame)
	if err != nil {
		return fmt.Errorf("wsserver: dispatching task %s to %s: %w", task.TaskID, agentID, err)
	}
	return ack.Err
}
