package repo

import (
	"context"
	"database/sql"
	"errors"

	"deliverline/internal/domain"
)

const catalogColumns = `id,kind,ref,name,description,created_at`

func scanCatalogItem(row rowScanner) (domain.CatalogItem, error) {
	var c domain.CatalogItem
	err := row.Scan(&c.ID, &c.Kind, &c.Ref, &c.Name, &c.Description, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCatalogItemTx(ctx context.Context, tx *sql.Tx, c domain.CatalogItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO catalog_items(`+catalogColumns+`) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Kind, c.Ref, c.Name, c.Description, c.CreatedAt)
	return err
}

// SeedCatalogItem inserts c unless an item with the same kind and id exists.
// It reports whether a row was written.
func (r Repo) SeedCatalogItem(ctx context.Context, c domain.CatalogItem) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO catalog_items(`+catalogColumns+`) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Kind, c.Ref, c.Name, c.Description, c.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetCatalogItemTx(ctx context.Context, tx *sql.Tx, kind domain.LinkKind, id string) (domain.CatalogItem, error) {
	return scanCatalogItem(r.q(tx).QueryRowContext(ctx, `SELECT `+catalogColumns+` FROM catalog_items WHERE kind=? AND id=?`, kind, id))
}

func (r Repo) ListCatalog(ctx context.Context, kind domain.LinkKind) ([]domain.CatalogItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+catalogColumns+` FROM catalog_items WHERE kind=? ORDER BY ref, id`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CatalogItem
	for rows.Next() {
		c, err := scanCatalogItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
