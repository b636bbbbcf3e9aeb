package repo

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/db"
	"deliverline/internal/domain"
	"deliverline/internal/lifecycle"
	"deliverline/internal/migrate"
)

const ts = "2024-03-01T10:00:00Z"

func setupRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return Repo{DB: conn}
}

func withTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func seedDeliverable(t *testing.T, r Repo, status domain.Status) domain.Deliverable {
	t.Helper()
	ctx := context.Background()
	d := domain.Deliverable{ID: "d-" + string(status), Ref: "D-1", Name: "Design pack", Status: status, CreatedAt: ts, UpdatedAt: ts}
	_, err := r.SeedCatalogItem(ctx, domain.CatalogItem{ID: "kpi-1", Kind: domain.LinkKPI, Ref: "K1", Name: "kpi", CreatedAt: ts})
	require.NoError(t, err)
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error {
		return r.InsertDeliverableTx(ctx, tx, d)
	}))
	return d
}

func TestDeliverableRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	d := seedDeliverable(t, r, domain.StatusInProgress)

	met := true
	d.KPIs = []domain.Link{{Kind: domain.LinkKPI, ItemID: "kpi-1", Met: &met, AssessedBy: "c1", AssessedAt: ts}}
	d.Progress = 50
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertTaskTx(ctx, tx, domain.Task{ID: "t2", DeliverableID: d.ID, Name: "second", SortOrder: 2, CreatedAt: ts, UpdatedAt: ts}); err != nil {
			return err
		}
		if err := r.InsertTaskTx(ctx, tx, domain.Task{ID: "t1", DeliverableID: d.ID, Name: "first", Complete: true, SortOrder: 1, CreatedAt: ts, UpdatedAt: ts}); err != nil {
			return err
		}
		if err := r.ReplaceLinksTx(ctx, tx, d); err != nil {
			return err
		}
		return r.UpdateDeliverableTx(ctx, tx, d)
	}))

	got, err := r.GetDeliverable(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "t1", got.Tasks[0].ID)
	assert.True(t, got.Tasks[0].Complete)
	require.Len(t, got.KPIs, 1)
	require.NotNil(t, got.KPIs[0].Met)
	assert.True(t, *got.KPIs[0].Met)
	assert.Empty(t, got.QualityStandards)
	assert.Nil(t, got.SupplierSignature)

	list, err := r.ListDeliverables(ctx, DeliverableFilters{Unassigned: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = r.GetDeliverable(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteSignatureCompareAndSet(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	d := seedDeliverable(t, r, domain.StatusReviewComplete)

	sign := func(role domain.SignerRole, signer string) error {
		return withTx(t, r, func(tx *sql.Tx) error {
			return r.WriteSignatureTx(ctx, tx, d.ID, domain.Signature{SignerID: signer, Role: role, SignedAt: ts}, ts)
		})
	}

	require.NoError(t, sign(domain.SignerCustomer, "carol"))
	err := sign(domain.SignerCustomer, "carl")
	var conflict lifecycle.ConcurrentSignatureConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.SignerCustomer, conflict.Role)

	got, err := r.GetDeliverable(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.CustomerSignature.SignerID)
	assert.Equal(t, domain.StatusReviewComplete, got.Status)

	require.NoError(t, sign(domain.SignerSupplier, "sam"))
	got, err = r.GetDeliverable(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSigned, got.Status)
	assert.Equal(t, "sam", got.SupplierSignature.SignerID)
}

func TestWriteSignatureRequiresReviewComplete(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	d := seedDeliverable(t, r, domain.StatusSubmittedForReview)
	err := withTx(t, r, func(tx *sql.Tx) error {
		return r.WriteSignatureTx(ctx, tx, d.ID, domain.Signature{SignerID: "sam", Role: domain.SignerSupplier, SignedAt: ts}, ts)
	})
	var conflict lifecycle.ConcurrentSignatureConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestDeleteCascadesTasks(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	d := seedDeliverable(t, r, domain.StatusInProgress)
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertTaskTx(ctx, tx, domain.Task{ID: "t1", DeliverableID: d.ID, Name: "x", CreatedAt: ts, UpdatedAt: ts}); err != nil {
			return err
		}
		return r.DeleteDeliverableTx(ctx, tx, d.ID)
	}))
	_, err := r.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogAndEvents(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	item := domain.CatalogItem{ID: "qs-1", Kind: domain.LinkQualityStandard, Ref: "QS-1", Name: "Reviewed", CreatedAt: ts}
	wrote, err := r.SeedCatalogItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = r.SeedCatalogItem(ctx, item)
	require.NoError(t, err)
	assert.False(t, wrote)

	items, err := r.ListCatalog(ctx, domain.LinkQualityStandard)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	kpis, err := r.ListCatalog(ctx, domain.LinkKPI)
	require.NoError(t, err)
	assert.Empty(t, kpis)

	for i := 0; i < 3; i++ {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
			ts, "task.toggle", "task", "t1", "a1", "{}")
		require.NoError(t, err)
	}
	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	after, err := r.EventsAfter(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(2), after[0].ID)

	page, err := r.LatestEvents(ctx, EventFilters{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].ID)
	older, err := r.LatestEvents(ctx, EventFilters{Limit: 2, Cursor: page[1].ID})
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, int64(1), older[0].ID)
}
