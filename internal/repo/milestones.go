package repo

import (
	"context"
	"database/sql"
	"errors"

	"deliverline/internal/domain"
)

const milestoneColumns = `id,ref,name,billable_value,COALESCE(start_date,''),COALESCE(end_date,''),created_at`

func scanMilestone(row rowScanner) (domain.Milestone, error) {
	var m domain.Milestone
	err := row.Scan(&m.ID, &m.Ref, &m.Name, &m.BillableValue, &m.StartDate, &m.EndDate, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(id,ref,name,billable_value,start_date,end_date,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.Ref, m.Name, m.BillableValue, nullable(m.StartDate), nullable(m.EndDate), m.CreatedAt)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	return scanMilestone(tx.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
}

func (r Repo) ListMilestones(ctx context.Context) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones ORDER BY COALESCE(start_date, created_at), created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
