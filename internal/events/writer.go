package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	DeliverableCreate = "deliverable.create"
	DeliverableUpdate = "deliverable.update"
	DeliverableDelete = "deliverable.delete"
	DeliverableSubmit = "deliverable.submit"
	DeliverableReturn = "deliverable.return"
	DeliverableAccept = "deliverable.accept"
	DeliverableSign   = "deliverable.sign"
	DeliverableSigned = "deliverable.signed"
	DeliverableLink   = "deliverable.link"
	DeliverableUnlink = "deliverable.unlink"
	DeliverableAssess = "deliverable.assess"
	TaskCreate        = "task.create"
	TaskUpdate        = "task.update"
	TaskToggle        = "task.toggle"
	TaskDelete        = "task.delete"
	TaskRestore       = "task.restore"
	MilestoneCreate   = "milestone.create"
	CatalogCreate     = "catalog.create"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits or rolls back with the
// mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
