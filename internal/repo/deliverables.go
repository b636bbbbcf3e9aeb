package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"deliverline/internal/domain"
	"deliverline/internal/lifecycle"
)

const deliverableColumns = `id,ref,name,description,progress,status,milestone_id,
supplier_signer_id,supplier_signed_at,customer_signer_id,customer_signed_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeliverable(row rowScanner) (domain.Deliverable, error) {
	var (
		d                      domain.Deliverable
		milestone              sql.NullString
		supplierID, supplierAt sql.NullString
		customerID, customerAt sql.NullString
	)
	err := row.Scan(&d.ID, &d.Ref, &d.Name, &d.Description, &d.Progress, &d.Status, &milestone,
		&supplierID, &supplierAt, &customerID, &customerAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if milestone.Valid {
		id := milestone.String
		d.MilestoneID = &id
	}
	if supplierID.Valid {
		d.SupplierSignature = &domain.Signature{SignerID: supplierID.String, Role: domain.SignerSupplier, SignedAt: supplierAt.String}
	}
	if customerID.Valid {
		d.CustomerSignature = &domain.Signature{SignerID: customerID.String, Role: domain.SignerCustomer, SignedAt: customerAt.String}
	}
	return d, nil
}

func (r Repo) InsertDeliverableTx(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deliverables(id,ref,name,description,progress,status,milestone_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Ref, d.Name, d.Description, d.Progress, lifecycle.Normalize(d.Status), nullableStringPtr(d.MilestoneID), d.CreatedAt, d.UpdatedAt)
	return err
}

// UpdateDeliverableTx writes the mutable columns. Signature slots are only
// written through WriteSignatureTx.
func (r Repo) UpdateDeliverableTx(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	res, err := tx.ExecContext(ctx, `UPDATE deliverables SET name=?,description=?,progress=?,status=?,milestone_id=?,updated_at=? WHERE id=?`,
		d.Name, d.Description, d.Progress, lifecycle.Normalize(d.Status), nullableStringPtr(d.MilestoneID), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteDeliverableTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM deliverables WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDeliverable(ctx context.Context, id string) (domain.Deliverable, error) {
	return r.getDeliverable(ctx, r.DB, id)
}

func (r Repo) GetDeliverableTx(ctx context.Context, tx *sql.Tx, id string) (domain.Deliverable, error) {
	return r.getDeliverable(ctx, tx, id)
}

func (r Repo) getDeliverable(ctx context.Context, q querier, id string) (domain.Deliverable, error) {
	d, err := scanDeliverable(q.QueryRowContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE id=?`, id))
	if err != nil {
		return d, err
	}
	if err := r.loadChildren(ctx, q, &d); err != nil {
		return d, err
	}
	return d, nil
}

func (r Repo) loadChildren(ctx context.Context, q querier, d *domain.Deliverable) error {
	tasks, err := listTasks(ctx, q, d.ID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	d.Tasks = tasks
	kpis, standards, err := listLinks(ctx, q, d.ID)
	if err != nil {
		return fmt.Errorf("load links: %w", err)
	}
	d.KPIs, d.QualityStandards = kpis, standards
	return nil
}

type DeliverableFilters struct {
	MilestoneID string
	Status      string
	// Unassigned selects deliverables without a milestone.
	Unassigned bool
}

func (r Repo) ListDeliverables(ctx context.Context, f DeliverableFilters) ([]domain.Deliverable, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.MilestoneID != "" {
		clauses = append(clauses, "milestone_id=?")
		args = append(args, f.MilestoneID)
	}
	if f.Unassigned {
		clauses = append(clauses, "milestone_id IS NULL")
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + deliverableColumns + ` FROM deliverables WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, rowid`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, d)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if err := r.loadChildren(ctx, r.DB, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// WriteSignatureTx fills one signature slot with a compare-and-set on the
// empty slot. When the other slot is already filled the same statement moves
// the deliverable to signed. Losing the race returns
// lifecycle.ConcurrentSignatureConflictError.
func (r Repo) WriteSignatureTx(ctx context.Context, tx *sql.Tx, deliverableID string, sig domain.Signature, updatedAt string) error {
	var slot, other string
	switch sig.Role {
	case domain.SignerSupplier:
		slot, other = "supplier", "customer"
	case domain.SignerCustomer:
		slot, other = "customer", "supplier"
	default:
		return lifecycle.ValidationError{Field: "role", Reason: "must be supplier or customer"}
	}
	query := fmt.Sprintf(`UPDATE deliverables
SET %[1]s_signer_id=?, %[1]s_signed_at=?, updated_at=?,
    status=CASE WHEN %[2]s_signer_id IS NOT NULL THEN 'signed' ELSE status END
WHERE id=? AND %[1]s_signer_id IS NULL AND status='review_complete'`, slot, other)
	res, err := tx.ExecContext(ctx, query, sig.SignerID, sig.SignedAt, updatedAt, deliverableID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return lifecycle.ConcurrentSignatureConflictError{DeliverableID: deliverableID, Role: sig.Role}
	}
	return nil
}
