package repo

import (
	"context"
	"database/sql"

	"deliverline/internal/domain"
)

func listLinks(ctx context.Context, q querier, deliverableID string) (kpis, standards []domain.Link, err error) {
	rows, err := q.QueryContext(ctx, `SELECT kind,item_id,met,assessed_by,assessed_at FROM deliverable_links WHERE deliverable_id=? ORDER BY position, item_id`, deliverableID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			l      domain.Link
			met    sql.NullInt64
			by, at sql.NullString
		)
		if err := rows.Scan(&l.Kind, &l.ItemID, &met, &by, &at); err != nil {
			return nil, nil, err
		}
		if met.Valid {
			v := met.Int64 == 1
			l.Met = &v
		}
		l.AssessedBy, l.AssessedAt = by.String, at.String
		if l.Kind == domain.LinkKPI {
			kpis = append(kpis, l)
		} else {
			standards = append(standards, l)
		}
	}
	return kpis, standards, rows.Err()
}

// ReplaceLinksTx rewrites the link set of a deliverable to match d.
func (r Repo) ReplaceLinksTx(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM deliverable_links WHERE deliverable_id=?`, d.ID); err != nil {
		return err
	}
	pos := 0
	for _, set := range [][]domain.Link{d.KPIs, d.QualityStandards} {
		for _, l := range set {
			var met any
			if l.Met != nil {
				met = boolInt(*l.Met)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO deliverable_links(deliverable_id,kind,item_id,met,assessed_by,assessed_at,position) VALUES (?,?,?,?,?,?,?)`,
				d.ID, l.Kind, l.ItemID, met, nullable(l.AssessedBy), nullable(l.AssessedAt), pos); err != nil {
				return err
			}
			pos++
		}
	}
	return nil
}
