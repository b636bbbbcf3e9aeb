package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"deliverline/internal/domain"
	"deliverline/internal/engine/auth"
	"deliverline/internal/events"
	"deliverline/internal/lifecycle"
	"deliverline/internal/metrics"
	"deliverline/internal/repo"
)

const dateLayout = "2006-01-02"

// MilestoneCreateOptions are parameters for creating a milestone. Dates use
// YYYY-MM-DD.
type MilestoneCreateOptions struct {
	ID            string
	Ref           string
	Name          string
	BillableValue float64
	StartDate     string
	EndDate       string
}

func (e Engine) CreateMilestone(ctx context.Context, actor domain.Actor, opts MilestoneCreateOptions) (domain.Milestone, error) {
	action := lifecycle.ActionCreate
	if err := auth.Authorize(actor, action, nil); err != nil {
		return domain.Milestone{}, e.reject(action, actor, opts.ID, err)
	}
	if err := validateMilestone(opts); err != nil {
		return domain.Milestone{}, e.reject(action, actor, opts.ID, err)
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	ref := opts.Ref
	if ref == "" {
		ref = shortRef("M", id)
	}
	m := domain.Milestone{
		ID:            id,
		Ref:           ref,
		Name:          strings.TrimSpace(opts.Name),
		BillableValue: opts.BillableValue,
		StartDate:     opts.StartDate,
		EndDate:       opts.EndDate,
		CreatedAt:     e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetMilestoneTx(ctx, tx, id); err == nil {
		return domain.Milestone{}, e.reject(action, actor, id, lifecycle.ValidationError{Field: "id", Reason: "milestone " + id + " already exists"})
	}
	if err := e.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, fmt.Errorf("insert milestone: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.MilestoneCreate, "milestone", id, actor.ID, events.EventPayload{"ref": m.Ref, "name": m.Name}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	e.log().Info("milestone created", zap.String("milestone_id", id), zap.String("actor_id", actor.ID))
	metrics.RecordMutation(string(action), "ok")
	return m, nil
}

func validateMilestone(opts MilestoneCreateOptions) error {
	if strings.TrimSpace(opts.Name) == "" {
		return lifecycle.ValidationError{Field: "name", Reason: "required"}
	}
	var start, end time.Time
	var err error
	if opts.StartDate != "" {
		if start, err = time.Parse(dateLayout, opts.StartDate); err != nil {
			return lifecycle.ValidationError{Field: "start_date", Reason: "must be YYYY-MM-DD"}
		}
	}
	if opts.EndDate != "" {
		if end, err = time.Parse(dateLayout, opts.EndDate); err != nil {
			return lifecycle.ValidationError{Field: "end_date", Reason: "must be YYYY-MM-DD"}
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return lifecycle.ValidationError{Field: "end_date", Reason: "before start_date"}
	}
	return nil
}

// RollupMilestone reads a milestone with its children and derives status and
// progress from them. Nothing is stored.
func (e Engine) RollupMilestone(ctx context.Context, id string) (domain.MilestoneView, error) {
	m, err := e.Repo.GetMilestone(ctx, id)
	if err != nil {
		return domain.MilestoneView{}, fmt.Errorf("milestone %s: %w", id, err)
	}
	return e.view(ctx, m)
}

func (e Engine) ListMilestones(ctx context.Context) ([]domain.MilestoneView, error) {
	ms, err := e.Repo.ListMilestones(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]domain.MilestoneView, 0, len(ms))
	for _, m := range ms {
		v, err := e.view(ctx, m)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

func (e Engine) view(ctx context.Context, m domain.Milestone) (domain.MilestoneView, error) {
	children, err := e.Repo.ListDeliverables(ctx, repo.DeliverableFilters{MilestoneID: m.ID})
	if err != nil {
		return domain.MilestoneView{}, err
	}
	if children == nil {
		children = []domain.Deliverable{}
	}
	return domain.MilestoneView{
		Milestone:      m,
		MilestoneState: lifecycle.RollupMilestone(children),
		Deliverables:   children,
	}, nil
}
