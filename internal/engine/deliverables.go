package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"deliverline/internal/domain"
	"deliverline/internal/engine/auth"
	"deliverline/internal/events"
	"deliverline/internal/lifecycle"
	"deliverline/internal/repo"
)

// DeliverableCreateOptions are parameters for creating a deliverable.
type DeliverableCreateOptions struct {
	ID          string
	Ref         string
	Name        string
	Description string
	MilestoneID string
	Progress    int
}

func (e Engine) CreateDeliverable(ctx context.Context, actor domain.Actor, opts DeliverableCreateOptions) (domain.Deliverable, error) {
	action := lifecycle.ActionCreate
	if err := auth.Authorize(actor, action, nil); err != nil {
		return domain.Deliverable{}, e.reject(action, actor, opts.ID, err)
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Deliverable{}, e.reject(action, actor, opts.ID, lifecycle.ValidationError{Field: "name", Reason: "required"})
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	ref := opts.Ref
	if ref == "" {
		ref = shortRef("D", id)
	}
	now := e.timestamp()
	d := domain.Deliverable{
		ID:          id,
		Ref:         ref,
		Name:        name,
		Description: opts.Description,
		Status:      domain.StatusNotStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.MilestoneID != "" {
		mid := opts.MilestoneID
		d.MilestoneID = &mid
	}
	if err := lifecycle.SetProgress(&d, opts.Progress); err != nil {
		return domain.Deliverable{}, e.reject(action, actor, id, err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, err
	}
	defer tx.Rollback()
	if d.MilestoneID != nil {
		if err := e.ensureMilestone(ctx, tx, *d.MilestoneID); err != nil {
			return domain.Deliverable{}, e.reject(action, actor, id, err)
		}
	}
	if _, err := e.Repo.GetDeliverableTx(ctx, tx, id); err == nil {
		return domain.Deliverable{}, e.reject(action, actor, id, lifecycle.ValidationError{Field: "id", Reason: "deliverable " + id + " already exists"})
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Deliverable{}, err
	}
	if err := e.Repo.InsertDeliverableTx(ctx, tx, d); err != nil {
		return domain.Deliverable{}, e.reject(action, actor, id, fmt.Errorf("insert deliverable: %w", err))
	}
	if err := e.events().Append(ctx, tx, events.DeliverableCreate, "deliverable", id, actor.ID, events.EventPayload{
		"ref":          d.Ref,
		"name":         d.Name,
		"status":       d.Status,
		"progress":     d.Progress,
		"milestone_id": opts.MilestoneID,
	}); err != nil {
		return domain.Deliverable{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deliverable{}, err
	}
	e.applied(action, actor, domain.Deliverable{}, d)
	d.Tasks = []domain.Task{}
	return d, nil
}

func (e Engine) GetDeliverable(ctx context.Context, id string) (domain.Deliverable, error) {
	d, err := e.Repo.GetDeliverable(ctx, id)
	if err != nil {
		return d, fmt.Errorf("deliverable %s: %w", id, err)
	}
	return d, nil
}

func (e Engine) ListDeliverables(ctx context.Context, f repo.DeliverableFilters) ([]domain.Deliverable, error) {
	return e.Repo.ListDeliverables(ctx, f)
}

// EditDeliverableField edits one of name, description, progress or
// milestone_id. An empty milestone_id detaches the deliverable.
func (e Engine) EditDeliverableField(ctx context.Context, actor domain.Actor, id, field, value string) (domain.Deliverable, error) {
	action, ok := auth.FieldAction(field)
	if !ok {
		return domain.Deliverable{}, e.reject(lifecycle.Action("edit_"+field), actor, id,
			lifecycle.ValidationError{Field: "field", Reason: "must be one of name, description, progress, milestone_id"})
	}
	return e.mutate(ctx, actor, action, id, events.DeliverableUpdate, func(tx *sql.Tx, d *domain.Deliverable) (events.EventPayload, error) {
		payload := events.EventPayload{"field": field, "value": value}
		if field == "progress" {
			p, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, lifecycle.ValidationError{Field: "progress", Reason: "must be an integer"}
			}
			return payload, lifecycle.SetProgress(d, p)
		}
		if err := lifecycle.EnsureMutable(*d, action); err != nil {
			return nil, err
		}
		switch field {
		case "name":
			name := strings.TrimSpace(value)
			if name == "" {
				return nil, lifecycle.ValidationError{Field: "name", Reason: "required"}
			}
			d.Name = name
		case "description":
			d.Description = value
		case "milestone_id":
			if value == "" {
				d.MilestoneID = nil
				break
			}
			if err := e.ensureMilestone(ctx, tx, value); err != nil {
				return nil, err
			}
			d.MilestoneID = &value
		}
		return payload, nil
	})
}

func (e Engine) Submit(ctx context.Context, actor domain.Actor, id string) (domain.Deliverable, error) {
	return e.transition(ctx, actor, id, lifecycle.ActionSubmit, events.DeliverableSubmit)
}

func (e Engine) Return(ctx context.Context, actor domain.Actor, id string) (domain.Deliverable, error) {
	return e.transition(ctx, actor, id, lifecycle.ActionReturn, events.DeliverableReturn)
}

func (e Engine) Accept(ctx context.Context, actor domain.Actor, id string) (domain.Deliverable, error) {
	return e.transition(ctx, actor, id, lifecycle.ActionAccept, events.DeliverableAccept)
}

func (e Engine) transition(ctx context.Context, actor domain.Actor, id string, action lifecycle.Action, evtType string) (domain.Deliverable, error) {
	return e.mutate(ctx, actor, action, id, evtType, func(_ *sql.Tx, d *domain.Deliverable) (events.EventPayload, error) {
		from := lifecycle.Normalize(d.Status)
		if err := lifecycle.Transition(d, action); err != nil {
			return nil, err
		}
		return events.EventPayload{"from": from, "to": d.Status}, nil
	})
}

// DeleteDeliverable removes a deliverable together with its tasks and links.
// Deliverables carrying a signature cannot be deleted.
func (e Engine) DeleteDeliverable(ctx context.Context, actor domain.Actor, id string) error {
	action := lifecycle.ActionDelete
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDeliverableTx(ctx, tx, id)
	if err != nil {
		return e.reject(action, actor, id, fmt.Errorf("deliverable %s: %w", id, err))
	}
	if err := auth.Authorize(actor, action, &d); err != nil {
		return e.reject(action, actor, id, err)
	}
	if err := lifecycle.EnsureMutable(d, action); err != nil {
		return e.reject(action, actor, id, err)
	}
	if err := e.Repo.DeleteDeliverableTx(ctx, tx, id); err != nil {
		return e.reject(action, actor, id, err)
	}
	if err := e.events().Append(ctx, tx, events.DeliverableDelete, "deliverable", id, actor.ID, events.EventPayload{"ref": d.Ref, "name": d.Name}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.applied(action, actor, d, d)
	return nil
}

func (e Engine) ensureMilestone(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := e.Repo.GetMilestoneTx(ctx, tx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return lifecycle.ValidationError{Field: "milestone_id", Reason: "unknown milestone " + id}
		}
		return err
	}
	return nil
}
