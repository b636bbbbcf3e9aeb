package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"deliverline/internal/config"
	"deliverline/internal/domain"
	"deliverline/internal/engine/auth"
	"deliverline/internal/events"
	"deliverline/internal/lifecycle"
	"deliverline/internal/metrics"
	"deliverline/internal/repo"
)

type CatalogCreateOptions struct {
	ID          string
	Ref         string
	Name        string
	Description string
}

func (e Engine) CreateKPI(ctx context.Context, actor domain.Actor, opts CatalogCreateOptions) (domain.CatalogItem, error) {
	return e.CreateCatalogItem(ctx, actor, domain.LinkKPI, opts)
}

func (e Engine) CreateQualityStandard(ctx context.Context, actor domain.Actor, opts CatalogCreateOptions) (domain.CatalogItem, error) {
	return e.CreateCatalogItem(ctx, actor, domain.LinkQualityStandard, opts)
}

func (e Engine) CreateCatalogItem(ctx context.Context, actor domain.Actor, kind domain.LinkKind, opts CatalogCreateOptions) (domain.CatalogItem, error) {
	action := lifecycle.ActionManageCatalog
	if err := auth.Authorize(actor, action, nil); err != nil {
		return domain.CatalogItem{}, e.reject(action, actor, opts.ID, err)
	}
	if kind != domain.LinkKPI && kind != domain.LinkQualityStandard {
		return domain.CatalogItem{}, e.reject(action, actor, opts.ID, lifecycle.ValidationError{Field: "kind", Reason: "must be kpi or quality_standard"})
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.CatalogItem{}, e.reject(action, actor, opts.ID, lifecycle.ValidationError{Field: "name", Reason: "required"})
	}
	item := domain.CatalogItem{
		ID:          opts.ID,
		Kind:        kind,
		Ref:         opts.Ref,
		Name:        strings.TrimSpace(opts.Name),
		Description: opts.Description,
		CreatedAt:   e.timestamp(),
	}
	if item.ID == "" {
		item.ID = newID()
	}
	if item.Ref == "" {
		prefix := "KPI"
		if kind == domain.LinkQualityStandard {
			prefix = "QS"
		}
		item.Ref = shortRef(prefix, item.ID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetCatalogItemTx(ctx, tx, kind, item.ID); err == nil {
		return domain.CatalogItem{}, e.reject(action, actor, item.ID, lifecycle.ValidationError{Field: "id", Reason: fmt.Sprintf("%s %s already exists", kind, item.ID)})
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.CatalogItem{}, err
	}
	if err := e.Repo.InsertCatalogItemTx(ctx, tx, item); err != nil {
		return domain.CatalogItem{}, fmt.Errorf("insert catalog item: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.CatalogCreate, string(kind), item.ID, actor.ID, events.EventPayload{"ref": item.Ref, "name": item.Name}); err != nil {
		return domain.CatalogItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CatalogItem{}, err
	}
	metrics.RecordMutation(string(action), "ok")
	return item, nil
}

func (e Engine) ListCatalog(ctx context.Context, kind domain.LinkKind) ([]domain.CatalogItem, error) {
	return e.Repo.ListCatalog(ctx, kind)
}

// SeedCatalog inserts the configured catalog entries that do not exist yet.
func (e Engine) SeedCatalog(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	seeded := 0
	for _, set := range []struct {
		kind    domain.LinkKind
		entries []config.CatalogEntry
	}{
		{domain.LinkKPI, cfg.Catalog.KPIs},
		{domain.LinkQualityStandard, cfg.Catalog.QualityStandards},
	} {
		for _, entry := range set.entries {
			ref := entry.Ref
			if ref == "" {
				ref = entry.ID
			}
			wrote, err := e.Repo.SeedCatalogItem(ctx, domain.CatalogItem{
				ID:          entry.ID,
				Kind:        set.kind,
				Ref:         ref,
				Name:        entry.Name,
				Description: entry.Description,
				CreatedAt:   e.timestamp(),
			})
			if err != nil {
				return fmt.Errorf("seed %s %s: %w", set.kind, entry.ID, err)
			}
			if wrote {
				seeded++
			}
		}
	}
	if seeded > 0 {
		e.log().Info("catalog seeded", zap.Int("items", seeded))
	}
	return nil
}
