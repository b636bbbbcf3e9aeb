package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/lifecycle"
	"deliverline/internal/repo"
)

// TaskCreateOptions are parameters for adding a task to a deliverable.
type TaskCreateOptions struct {
	ID        string
	Name      string
	Owner     string
	Comment   string
	Complete  bool
	SortOrder int
}

func (e Engine) AddTask(ctx context.Context, actor domain.Actor, deliverableID string, opts TaskCreateOptions) (domain.Task, error) {
	var added domain.Task
	_, err := e.mutate(ctx, actor, lifecycle.ActionEditTask, deliverableID, events.TaskCreate, func(tx *sql.Tx, d *domain.Deliverable) (events.EventPayload, error) {
		now := e.timestamp()
		id := opts.ID
		if id == "" {
			id = newID()
		}
		t, err := lifecycle.AddTask(d, domain.Task{
			ID:        id,
			Name:      opts.Name,
			Owner:     opts.Owner,
			Comment:   opts.Comment,
			Complete:  opts.Complete,
			SortOrder: opts.SortOrder,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		added = t
		return events.EventPayload{"task_id": t.ID, "name": t.Name, "complete": t.Complete}, nil
	})
	return added, err
}

// ToggleTask sets a task's completion flag and returns the task together
// with the recomputed deliverable progress.
func (e Engine) ToggleTask(ctx context.Context, actor domain.Actor, taskID string, complete bool) (domain.Task, int, error) {
	d, t, err := e.taskMutation(ctx, actor, taskID, events.TaskToggle, func(d *domain.Deliverable) (domain.Task, error) {
		return lifecycle.ToggleTask(d, taskID, complete)
	})
	return t, d.Progress, err
}

// TaskUpdateOptions carries optional task edits.
type TaskUpdateOptions = lifecycle.TaskPatch

func (e Engine) UpdateTask(ctx context.Context, actor domain.Actor, taskID string, patch TaskUpdateOptions) (domain.Task, error) {
	_, t, err := e.taskMutation(ctx, actor, taskID, events.TaskUpdate, func(d *domain.Deliverable) (domain.Task, error) {
		return lifecycle.UpdateTask(d, taskID, patch)
	})
	return t, err
}

// DeleteTask soft-deletes a task and returns the recomputed progress.
func (e Engine) DeleteTask(ctx context.Context, actor domain.Actor, taskID string) (domain.Task, int, error) {
	d, t, err := e.taskMutation(ctx, actor, taskID, events.TaskDelete, func(d *domain.Deliverable) (domain.Task, error) {
		return lifecycle.DeleteTask(d, taskID)
	})
	return t, d.Progress, err
}

func (e Engine) RestoreTask(ctx context.Context, actor domain.Actor, taskID string) (domain.Task, int, error) {
	d, t, err := e.taskMutation(ctx, actor, taskID, events.TaskRestore, func(d *domain.Deliverable) (domain.Task, error) {
		return lifecycle.RestoreTask(d, taskID)
	})
	return t, d.Progress, err
}

// taskMutation resolves the owning deliverable of taskID and applies fn to it.
// The task set is read inside the transaction so progress is recomputed from
// committed state.
func (e Engine) taskMutation(ctx context.Context, actor domain.Actor, taskID, evtType string, fn func(d *domain.Deliverable) (domain.Task, error)) (domain.Deliverable, domain.Task, error) {
	owner, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		err = lifecycle.ErrTaskNotFound
	}
	if err != nil {
		return domain.Deliverable{}, domain.Task{}, e.reject(lifecycle.ActionEditTask, actor, "", fmt.Errorf("task %s: %w", taskID, err))
	}
	var changed domain.Task
	d, err := e.mutate(ctx, actor, lifecycle.ActionEditTask, owner.DeliverableID, evtType, func(tx *sql.Tx, d *domain.Deliverable) (events.EventPayload, error) {
		t, err := fn(d)
		if err != nil {
			return nil, err
		}
		t.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("update task: %w", err)
		}
		changed = t
		return events.EventPayload{"task_id": t.ID, "complete": t.Complete, "deleted": t.Deleted}, nil
	})
	return d, changed, err
}
