package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/Syt100/bastion-sub003/internal/broadcast"
)

// eventLog adapts a RunRepository to broadcast.Log: the hub keeps its own
// event vocabulary (string run IDs, no context) so it has no database
// dependency, while the repository speaks uuid.UUID and context.Context.
type eventLog struct {
	runs RunRepository
}

// NewEventLog returns a broadcast.Log backed by runs.
func NewEventLog(runs RunRepository) broadcast.Log {
	return eventLog{runs: runs}
}

func (l eventLog) ListEvents(runID string, afterSeq int64) ([]broadcast.Event, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, err
	}

	rows, err := l.runs.ListEvents(context.Background(), id, afterSeq, ListOptions{Limit: 10000})
	if err != nil {
		return nil, err
	}

	out := make([]broadcast.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, broadcast.Event{
			RunID:      row.RunID.String(),
			Seq:        row.Seq,
			Ts:         row.Ts,
			Level:      row.Level,
			Kind:       row.Kind,
			Message:    row.Message,
			FieldsJSON: row.FieldsJSON,
		})
	}
	return out, nil
}
