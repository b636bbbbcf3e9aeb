package repo

import (
	"context"
	"database/sql"
	"errors"

	"deliverline/internal/domain"
)

const taskColumns = `id,deliverable_id,name,owner,comment,complete,deleted,sort_order,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var complete, deleted int
	err := row.Scan(&t.ID, &t.DeliverableID, &t.Name, &t.Owner, &t.Comment, &complete, &deleted, &t.SortOrder, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	t.Complete = complete == 1
	t.Deleted = deleted == 1
	return t, err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.DeliverableID, t.Name, t.Owner, t.Comment, boolInt(t.Complete), boolInt(t.Deleted), t.SortOrder, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET name=?,owner=?,comment=?,complete=?,deleted=?,sort_order=?,updated_at=? WHERE id=?`,
		t.Name, t.Owner, t.Comment, boolInt(t.Complete), boolInt(t.Deleted), t.SortOrder, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ListTasksTx returns every task of a deliverable, soft-deleted ones included.
func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, deliverableID string) ([]domain.Task, error) {
	return listTasks(ctx, tx, deliverableID)
}

func listTasks(ctx context.Context, q querier, deliverableID string) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE deliverable_id=? ORDER BY sort_order, created_at, rowid`, deliverableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
