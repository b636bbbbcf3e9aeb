package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/config"
	"deliverline/internal/db"
	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/engine/auth"
	"deliverline/internal/lifecycle"
	"deliverline/internal/migrate"
	"deliverline/internal/repo"
)

var (
	supplier    = domain.Actor{ID: "sam", Role: domain.RoleSupplier}
	customer    = domain.Actor{ID: "carol", Role: domain.RoleCustomer}
	admin       = domain.Actor{ID: "ada", Role: domain.RoleAdmin}
	contributor = domain.Actor{ID: "cole", Role: domain.RoleContributor}
	viewer      = domain.Actor{ID: "vic", Role: domain.RoleViewer}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn), "migrate")
	cfg := config.Default()
	eng := engine.New(conn, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, eng.SeedCatalog(ctx, cfg))
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) create(t *testing.T, name string) domain.Deliverable {
	t.Helper()
	d, err := env.Engine.CreateDeliverable(env.Ctx, supplier, engine.DeliverableCreateOptions{Name: name})
	require.NoError(t, err)
	return d
}

// reviewComplete drives a fresh deliverable linked to one KPI to review_complete.
func (env testEnv) reviewComplete(t *testing.T) domain.Deliverable {
	t.Helper()
	d := env.create(t, "Integration report")
	_, err := env.Engine.LinkItem(env.Ctx, supplier, d.ID, lifecycle.LinkRef{Kind: domain.LinkKPI, ItemID: "kpi-on-time"})
	require.NoError(t, err)
	_, err = env.Engine.EditDeliverableField(env.Ctx, supplier, d.ID, "progress", "100")
	require.NoError(t, err)
	_, err = env.Engine.Submit(env.Ctx, supplier, d.ID)
	require.NoError(t, err)
	d, err = env.Engine.Accept(env.Ctx, customer, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReviewComplete, d.Status)
	return d
}

func assessAll(met bool) lifecycle.AssessmentChanges {
	return lifecycle.AssessmentChanges{Assessments: []lifecycle.Assessment{{Kind: domain.LinkKPI, ItemID: "kpi-on-time", Met: met}}}
}

func TestTaskProgressDrivesStatus(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "Design pack")
	assert.Equal(t, domain.StatusNotStarted, d.Status)

	var ids []string
	for _, name := range []string{"draft", "review", "publish"} {
		task, err := env.Engine.AddTask(env.Ctx, contributor, d.ID, engine.TaskCreateOptions{Name: name})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	task, progress, err := env.Engine.ToggleTask(env.Ctx, contributor, ids[0], true)
	require.NoError(t, err)
	assert.True(t, task.Complete)
	assert.Equal(t, 33, progress)

	_, progress, err = env.Engine.ToggleTask(env.Ctx, contributor, ids[1], true)
	require.NoError(t, err)
	assert.Equal(t, 67, progress)

	got, err := env.Engine.GetDeliverable(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, 67, got.Progress)

	_, progress, err = env.Engine.DeleteTask(env.Ctx, supplier, ids[2])
	require.NoError(t, err)
	assert.Equal(t, 100, progress)
	got, err = env.Engine.GetDeliverable(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status, "progress never submits")

	_, progress, err = env.Engine.RestoreTask(env.Ctx, supplier, ids[2])
	require.NoError(t, err)
	assert.Equal(t, 67, progress)

	_, err = env.Engine.EditDeliverableField(env.Ctx, supplier, d.ID, "progress", "10")
	var verr lifecycle.ValidationError
	assert.ErrorAs(t, err, &verr, "manual progress is derived once tasks exist")

	_, _, err = env.Engine.ToggleTask(env.Ctx, contributor, "missing", true)
	assert.ErrorIs(t, err, lifecycle.ErrTaskNotFound)
	assert.Equal(t, "not_found", engine.Category(err))
}

func TestManualProgress(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "Spec")
	d, err := env.Engine.EditDeliverableField(env.Ctx, contributor, d.ID, "progress", "40")
	require.NoError(t, err)
	assert.Equal(t, 40, d.Progress)
	assert.Equal(t, domain.StatusInProgress, d.Status)

	_, err = env.Engine.EditDeliverableField(env.Ctx, supplier, d.ID, "progress", "140")
	assert.Equal(t, "validation", engine.Category(err))
	_, err = env.Engine.EditDeliverableField(env.Ctx, supplier, d.ID, "status", "signed")
	assert.Equal(t, "validation", engine.Category(err))
}

func TestReviewWorkflow(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "Runbook")

	_, err := env.Engine.Submit(env.Ctx, supplier, d.ID)
	var terr lifecycle.InvalidTransitionError
	require.ErrorAs(t, err, &terr, "cannot submit from not_started")

	_, err = env.Engine.EditDeliverableField(env.Ctx, supplier, d.ID, "progress", "80")
	require.NoError(t, err)
	d, err = env.Engine.Submit(env.Ctx, supplier, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmittedForReview, d.Status)

	_, err = env.Engine.Accept(env.Ctx, supplier, d.ID)
	var denied auth.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, lifecycle.ActionAccept, denied.Action)

	d, err = env.Engine.Return(env.Ctx, customer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReturnedForMoreWork, d.Status)

	d, err = env.Engine.Submit(env.Ctx, admin, d.ID)
	require.NoError(t, err)
	d, err = env.Engine.Accept(env.Ctx, customer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReviewComplete, d.Status)

	_, err = env.Engine.EditDeliverableField(env.Ctx, supplier, d.ID, "progress", "50")
	require.ErrorAs(t, err, &terr, "progress locked at review_complete")
	_, err = env.Engine.AddTask(env.Ctx, supplier, d.ID, engine.TaskCreateOptions{Name: "late"})
	require.ErrorAs(t, err, &terr)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityID: d.ID, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, evts, 6, "create, progress, submit, return, submit, accept")
}

func TestRejectedMutationLeavesRecordUnchanged(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "Plan")
	_, err := env.Engine.EditDeliverableField(env.Ctx, viewer, d.ID, "name", "Renamed")
	var denied auth.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, domain.RoleViewer, denied.Actual)

	_, err = env.Engine.EditDeliverableField(env.Ctx, contributor, d.ID, "name", "Renamed")
	require.ErrorAs(t, err, &denied)

	got, err := env.Engine.GetDeliverable(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Plan", got.Name)
	assert.Equal(t, d.UpdatedAt, got.UpdatedAt)
}

func TestSignOrderProducesSameState(t *testing.T) {
	orders := map[string][]domain.SignerRole{
		"supplier first": {domain.SignerSupplier, domain.SignerCustomer},
		"customer first": {domain.SignerCustomer, domain.SignerSupplier},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			d := env.reviewComplete(t)
			for i, role := range order {
				actor, changes := supplier, lifecycle.AssessmentChanges{}
				if role == domain.SignerCustomer {
					actor, changes = customer, assessAll(true)
				}
				got, status, err := env.Engine.Sign(env.Ctx, actor, d.ID, role, changes)
				require.NoError(t, err)
				if i == 0 {
					assert.Equal(t, domain.StatusReviewComplete, got.Status)
					assert.NotEqual(t, domain.SignOffSigned, status)
				} else {
					assert.Equal(t, domain.StatusSigned, got.Status)
					assert.Equal(t, domain.SignOffSigned, status)
				}
			}
			final, err := env.Engine.GetDeliverable(env.Ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusSigned, final.Status)
			assert.Equal(t, "sam", final.SupplierSignature.SignerID)
			assert.Equal(t, "carol", final.CustomerSignature.SignerID)
			require.Len(t, final.KPIs, 1)
			assert.True(t, *final.KPIs[0].Met)

			_, err = env.Engine.EditDeliverableField(env.Ctx, admin, d.ID, "name", "x")
			assert.Equal(t, "invalid_transition", engine.Category(err), "signed is terminal")
			err = env.Engine.DeleteDeliverable(env.Ctx, admin, d.ID)
			assert.Equal(t, "permission_denied", engine.Category(err))
		})
	}
}

func TestCustomerSignGateIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	d := env.reviewComplete(t)

	_, _, err := env.Engine.Sign(env.Ctx, customer, d.ID, domain.SignerCustomer, lifecycle.AssessmentChanges{})
	var incomplete lifecycle.AssessmentIncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"kpi-on-time"}, incomplete.Items)

	// swap the KPI for a quality standard but leave it unassessed
	changes := lifecycle.AssessmentChanges{
		Unlink:      []lifecycle.LinkRef{{Kind: domain.LinkKPI, ItemID: "kpi-on-time"}},
		Link:        []lifecycle.LinkRef{{Kind: domain.LinkQualityStandard, ItemID: "qs-peer-review"}},
		Assessments: nil,
	}
	_, _, err = env.Engine.Sign(env.Ctx, customer, d.ID, domain.SignerCustomer, changes)
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"qs-peer-review"}, incomplete.Items)

	got, err := env.Engine.GetDeliverable(env.Ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, got.KPIs, 1, "link changes rolled back")
	assert.Empty(t, got.QualityStandards)
	assert.Nil(t, got.CustomerSignature)

	changes.Assessments = []lifecycle.Assessment{{Kind: domain.LinkQualityStandard, ItemID: "qs-peer-review", Met: false}}
	got, status, err := env.Engine.Sign(env.Ctx, customer, d.ID, domain.SignerCustomer, changes)
	require.NoError(t, err)
	assert.Equal(t, domain.SignOffAwaitingSupplier, status)
	assert.Empty(t, got.KPIs)
	require.Len(t, got.QualityStandards, 1)
	assert.False(t, *got.QualityStandards[0].Met)
}

func TestSignRequiresRoleAndState(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "Early")
	_, _, err := env.Engine.Sign(env.Ctx, supplier, d.ID, domain.SignerSupplier, lifecycle.AssessmentChanges{})
	assert.Equal(t, "invalid_transition", engine.Category(err))

	d = env.reviewComplete(t)
	_, _, err = env.Engine.Sign(env.Ctx, admin, d.ID, domain.SignerCustomer, assessAll(true))
	assert.Equal(t, "permission_denied", engine.Category(err), "only customers sign for the customer")
	_, _, err = env.Engine.Sign(env.Ctx, customer, d.ID, domain.SignerSupplier, lifecycle.AssessmentChanges{})
	assert.Equal(t, "permission_denied", engine.Category(err))

	_, _, err = env.Engine.Sign(env.Ctx, admin, d.ID, domain.SignerSupplier, lifecycle.AssessmentChanges{})
	require.NoError(t, err)
	_, _, err = env.Engine.Sign(env.Ctx, supplier, d.ID, domain.SignerSupplier, lifecycle.AssessmentChanges{})
	var conflict lifecycle.ConcurrentSignatureConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = env.Engine.LinkItem(env.Ctx, supplier, d.ID, lifecycle.LinkRef{Kind: domain.LinkQualityStandard, ItemID: "qs-iso9001"})
	assert.Equal(t, "invalid_transition", engine.Category(err), "links freeze once signing starts")
}

func TestConcurrentSignaturesOneWins(t *testing.T) {
	env := newTestEnv(t)
	d := env.reviewComplete(t)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = env.Engine.Sign(env.Ctx, customer, d.ID, domain.SignerCustomer, assessAll(true))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict lifecycle.ConcurrentSignatureConflictError
		assert.True(t, errors.As(err, &conflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	got, err := env.Engine.GetDeliverable(env.Ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CustomerSignature)
	assert.Equal(t, domain.StatusReviewComplete, got.Status)
}

func TestMilestoneRollup(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMilestone(env.Ctx, supplier, engine.MilestoneCreateOptions{
		Name: "Phase 1", BillableValue: 12500, StartDate: "2024-01-01", EndDate: "2024-03-31",
	})
	require.NoError(t, err)

	view, err := env.Engine.RollupMilestone(env.Ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneNotStarted, view.Status)
	assert.Equal(t, 0, view.Progress)
	assert.Empty(t, view.Deliverables)

	a, err := env.Engine.CreateDeliverable(env.Ctx, supplier, engine.DeliverableCreateOptions{Name: "A", MilestoneID: m.ID})
	require.NoError(t, err)
	b, err := env.Engine.CreateDeliverable(env.Ctx, supplier, engine.DeliverableCreateOptions{Name: "B", MilestoneID: m.ID})
	require.NoError(t, err)

	view, err = env.Engine.RollupMilestone(env.Ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneNotStarted, view.Status)

	_, err = env.Engine.EditDeliverableField(env.Ctx, supplier, a.ID, "progress", "50")
	require.NoError(t, err)
	view, err = env.Engine.RollupMilestone(env.Ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneInProgress, view.Status)
	assert.Equal(t, 25, view.Progress)
	assert.Len(t, view.Deliverables, 2)

	_, err = env.Engine.EditDeliverableField(env.Ctx, supplier, b.ID, "milestone_id", "")
	require.NoError(t, err)
	views, err := env.Engine.ListMilestones(env.Ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 50, views[0].Progress)

	_, err = env.Engine.EditDeliverableField(env.Ctx, supplier, b.ID, "milestone_id", "nope")
	assert.Equal(t, "validation", engine.Category(err))

	_, err = env.Engine.CreateMilestone(env.Ctx, supplier, engine.MilestoneCreateOptions{Name: "Bad", StartDate: "2024-02-01", EndDate: "2024-01-01"})
	assert.Equal(t, "validation", engine.Category(err))
	_, err = env.Engine.CreateMilestone(env.Ctx, viewer, engine.MilestoneCreateOptions{Name: "Nope"})
	assert.Equal(t, "permission_denied", engine.Category(err))
}

func TestDeleteDeliverable(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "Throwaway")
	_, err := env.Engine.AddTask(env.Ctx, supplier, d.ID, engine.TaskCreateOptions{Name: "x"})
	require.NoError(t, err)

	err = env.Engine.DeleteDeliverable(env.Ctx, contributor, d.ID)
	assert.Equal(t, "permission_denied", engine.Category(err))
	require.NoError(t, env.Engine.DeleteDeliverable(env.Ctx, supplier, d.ID))
	_, err = env.Engine.GetDeliverable(env.Ctx, d.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCatalog(t *testing.T) {
	env := newTestEnv(t)
	kpis, err := env.Engine.ListCatalog(env.Ctx, domain.LinkKPI)
	require.NoError(t, err)
	assert.Len(t, kpis, 2)

	item, err := env.Engine.CreateKPI(env.Ctx, supplier, engine.CatalogCreateOptions{ID: "kpi-uptime", Name: "Uptime"})
	require.NoError(t, err)
	assert.Equal(t, domain.LinkKPI, item.Kind)
	_, err = env.Engine.CreateKPI(env.Ctx, supplier, engine.CatalogCreateOptions{ID: "kpi-uptime", Name: "Uptime"})
	assert.Equal(t, "validation", engine.Category(err))
	_, err = env.Engine.CreateQualityStandard(env.Ctx, customer, engine.CatalogCreateOptions{Name: "x"})
	assert.Equal(t, "permission_denied", engine.Category(err))

	require.NoError(t, env.Engine.SeedCatalog(env.Ctx, env.Engine.Config), "seeding is idempotent")

	d := env.create(t, "Linked")
	_, err = env.Engine.LinkItem(env.Ctx, supplier, d.ID, lifecycle.LinkRef{Kind: domain.LinkKPI, ItemID: "kpi-missing"})
	assert.Equal(t, "not_found", engine.Category(err))
	_, err = env.Engine.UnlinkItem(env.Ctx, supplier, d.ID, lifecycle.LinkRef{Kind: domain.LinkKPI, ItemID: "kpi-uptime"})
	assert.Equal(t, "not_found", engine.Category(err))
}
