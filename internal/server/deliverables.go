package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/lifecycle"
	"deliverline/internal/repo"
)

type deliverablePath struct {
	DeliverableID string `path:"deliverable_id"`
}

type taskPath struct {
	DeliverableID string `path:"deliverable_id"`
	TaskID        string `path:"task_id"`
}

type deliverableOutput struct {
	Body domain.Deliverable `json:"body"`
}

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

func registerDeliverables(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deliverable",
		Method:        http.MethodPost,
		Path:          "/deliverables",
		Summary:       "Create deliverable",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDeliverableRequest `json:"body"`
	}) (*deliverableOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDeliverable(ctx, actor, engine.DeliverableCreateOptions{
			ID:          input.Body.ID,
			Ref:         input.Body.Ref,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			MilestoneID: input.Body.MilestoneID,
			Progress:    input.Body.Progress,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/deliverables",
		Summary:     "List deliverables",
	}, func(ctx context.Context, input *struct {
		MilestoneID string `query:"milestone_id"`
		Status      string `query:"status"`
		Unassigned  bool   `query:"unassigned"`
	}) (*struct {
		Body []domain.Deliverable `json:"body"`
	}, error) {
		items, err := e.ListDeliverables(ctx, repo.DeliverableFilters{
			MilestoneID: input.MilestoneID,
			Status:      input.Status,
			Unassigned:  input.Unassigned,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Deliverable `json:"body"`
		}{Body: nonNilDeliverables(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deliverable",
		Method:      http.MethodGet,
		Path:        "/deliverables/{deliverable_id}",
		Summary:     "Get deliverable",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *deliverablePath) (*deliverableOutput, error) {
		d, err := e.GetDeliverable(ctx, input.DeliverableID)
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-deliverable",
		Method:      http.MethodPatch,
		Path:        "/deliverables/{deliverable_id}",
		Summary:     "Edit one deliverable field",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DeliverableID string           `path:"deliverable_id"`
		Body          EditFieldRequest `json:"body"`
	}) (*deliverableOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.EditDeliverableField(ctx, actor, input.DeliverableID, input.Body.Field, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-deliverable",
		Method:        http.MethodDelete,
		Path:          "/deliverables/{deliverable_id}",
		Summary:       "Delete deliverable",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *deliverablePath) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDeliverable(ctx, actor, input.DeliverableID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	for _, t := range []struct {
		name    string
		summary string
		apply   func(context.Context, domain.Actor, string) (domain.Deliverable, error)
	}{
		{"submit", "Submit deliverable for review", e.Submit},
		{"return", "Return deliverable for more work", e.Return},
		{"accept", "Accept deliverable review", e.Accept},
	} {
		apply := t.apply
		huma.Register(api, huma.Operation{
			OperationID: t.name + "-deliverable",
			Method:      http.MethodPost,
			Path:        "/deliverables/{deliverable_id}/" + t.name,
			Summary:     t.summary,
			Errors: []int{
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *deliverablePath) (*deliverableOutput, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			d, err := apply(ctx, actor, input.DeliverableID)
			if err != nil {
				return nil, handleError(err)
			}
			return &deliverableOutput{Body: d}, nil
		})
	}
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-task",
		Method:        http.MethodPost,
		Path:          "/deliverables/{deliverable_id}/tasks",
		Summary:       "Add task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DeliverableID string            `path:"deliverable_id"`
		Body          CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AddTask(ctx, actor, input.DeliverableID, engine.TaskCreateOptions{
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			Owner:     input.Body.Owner,
			Comment:   input.Body.Comment,
			Complete:  input.Body.Complete,
			SortOrder: input.Body.SortOrder,
		})
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.GetDeliverable(ctx, input.DeliverableID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: TaskResponse{Task: t, Progress: d.Progress}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/deliverables/{deliverable_id}/tasks/{task_id}",
		Summary:     "Edit task fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DeliverableID string            `path:"deliverable_id"`
		TaskID        string            `path:"task_id"`
		Body          UpdateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := ensureTaskOf(ctx, e, input.DeliverableID, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.UpdateTask(ctx, actor, input.TaskID, engine.TaskUpdateOptions{
			Name:      input.Body.Name,
			Owner:     input.Body.Owner,
			Comment:   input.Body.Comment,
			SortOrder: input.Body.SortOrder,
		})
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.GetDeliverable(ctx, input.DeliverableID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: TaskResponse{Task: t, Progress: d.Progress}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-task",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/tasks/{task_id}/toggle",
		Summary:     "Set task completion",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DeliverableID string            `path:"deliverable_id"`
		TaskID        string            `path:"task_id"`
		Body          ToggleTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		return taskCall(ctx, e, input.DeliverableID, input.TaskID, func(actor domain.Actor) (domain.Task, int, error) {
			return e.ToggleTask(ctx, actor, input.TaskID, input.Body.Complete)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/deliverables/{deliverable_id}/tasks/{task_id}",
		Summary:     "Soft delete task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		return taskCall(ctx, e, input.DeliverableID, input.TaskID, func(actor domain.Actor) (domain.Task, int, error) {
			return e.DeleteTask(ctx, actor, input.TaskID)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-task",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/tasks/{task_id}/restore",
		Summary:     "Restore soft deleted task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		return taskCall(ctx, e, input.DeliverableID, input.TaskID, func(actor domain.Actor) (domain.Task, int, error) {
			return e.RestoreTask(ctx, actor, input.TaskID)
		})
	})
}

func taskCall(ctx context.Context, e engine.Engine, deliverableID, taskID string, fn func(domain.Actor) (domain.Task, int, error)) (*taskOutput, error) {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	if err := ensureTaskOf(ctx, e, deliverableID, taskID); err != nil {
		return nil, handleError(err)
	}
	t, progress, err := fn(actor)
	if err != nil {
		return nil, handleError(err)
	}
	return &taskOutput{Body: TaskResponse{Task: t, Progress: progress}}, nil
}

// ensureTaskOf reports a task addressed under the wrong deliverable as not
// found.
func ensureTaskOf(ctx context.Context, e engine.Engine, deliverableID, taskID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	if t.DeliverableID != deliverableID {
		return fmt.Errorf("task %s on deliverable %s: %w", taskID, deliverableID, repo.ErrNotFound)
	}
	return nil
}

func registerSignOff(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "link-item",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/links",
		Summary:     "Link a KPI or quality standard",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DeliverableID string            `path:"deliverable_id"`
		Body          lifecycle.LinkRef `json:"body"`
	}) (*deliverableOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.LinkItem(ctx, actor, input.DeliverableID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlink-item",
		Method:      http.MethodDelete,
		Path:        "/deliverables/{deliverable_id}/links/{kind}/{item_id}",
		Summary:     "Unlink a KPI or quality standard",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DeliverableID string `path:"deliverable_id"`
		Kind          string `path:"kind" enum:"kpi,quality_standard"`
		ItemID        string `path:"item_id"`
	}) (*deliverableOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UnlinkItem(ctx, actor, input.DeliverableID, lifecycle.LinkRef{
			Kind:   domain.LinkKind(input.Kind),
			ItemID: input.ItemID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assess-deliverable",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/assessments",
		Summary:     "Record customer assessments",
		Description: "Unlinks are applied first, then links, then assessments. Only the customer may assess, and only before the customer signs.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DeliverableID string                      `path:"deliverable_id"`
		Body          lifecycle.AssessmentChanges `json:"body"`
	}) (*deliverableOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Assess(ctx, actor, input.DeliverableID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-deliverable",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/sign",
		Summary:     "Sign deliverable",
		Description: "A customer signature may carry link edits and assessments; they are applied together with the signature or not at all.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DeliverableID string      `path:"deliverable_id"`
		Body          SignRequest `json:"body"`
	}) (*struct {
		Body SignResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, status, err := e.Sign(ctx, actor, input.DeliverableID, input.Body.Role, signRequestChanges(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignResponse `json:"body"`
		}{Body: SignResponse{Deliverable: d, SignOffStatus: status}}, nil
	})
}
