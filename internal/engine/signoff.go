package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"deliverline/internal/domain"
	"deliverline/internal/engine/auth"
	"deliverline/internal/events"
	"deliverline/internal/lifecycle"
	"deliverline/internal/metrics"
	"deliverline/internal/repo"
)

// LinkItem links a catalog KPI or quality standard. Links are frozen once
// either party has signed.
func (e Engine) LinkItem(ctx context.Context, actor domain.Actor, id string, ref lifecycle.LinkRef) (domain.Deliverable, error) {
	action := lifecycle.ActionLinkItem
	return e.mutate(ctx, actor, action, id, events.DeliverableLink, func(tx *sql.Tx, d *domain.Deliverable) (events.EventPayload, error) {
		if err := lifecycle.EnsureLinksEditable(*d, action); err != nil {
			return nil, err
		}
		if err := e.ensureCatalogItems(ctx, tx, []lifecycle.LinkRef{ref}); err != nil {
			return nil, err
		}
		if err := lifecycle.LinkItem(d, ref); err != nil {
			return nil, err
		}
		if err := e.Repo.ReplaceLinksTx(ctx, tx, *d); err != nil {
			return nil, fmt.Errorf("write links: %w", err)
		}
		return events.EventPayload{"kind": ref.Kind, "item_id": ref.ItemID}, nil
	})
}

func (e Engine) UnlinkItem(ctx context.Context, actor domain.Actor, id string, ref lifecycle.LinkRef) (domain.Deliverable, error) {
	action := lifecycle.ActionLinkItem
	return e.mutate(ctx, actor, action, id, events.DeliverableUnlink, func(tx *sql.Tx, d *domain.Deliverable) (events.EventPayload, error) {
		if err := lifecycle.EnsureLinksEditable(*d, action); err != nil {
			return nil, err
		}
		if err := lifecycle.UnlinkItem(d, ref); err != nil {
			return nil, err
		}
		if err := e.Repo.ReplaceLinksTx(ctx, tx, *d); err != nil {
			return nil, fmt.Errorf("write links: %w", err)
		}
		return events.EventPayload{"kind": ref.Kind, "item_id": ref.ItemID}, nil
	})
}

// Assess records the customer's assessment-step changes without signing.
func (e Engine) Assess(ctx context.Context, actor domain.Actor, id string, changes lifecycle.AssessmentChanges) (domain.Deliverable, error) {
	if changes.Empty() {
		return domain.Deliverable{}, e.reject(lifecycle.ActionAssess, actor, id, lifecycle.ValidationError{Field: "assessments", Reason: "nothing to apply"})
	}
	return e.mutate(ctx, actor, lifecycle.ActionAssess, id, events.DeliverableAssess, func(tx *sql.Tx, d *domain.Deliverable) (events.EventPayload, error) {
		if err := e.applyAssessment(ctx, tx, d, changes, actor.ID); err != nil {
			return nil, err
		}
		return assessmentPayload(changes), nil
	})
}

// Sign records a signature for role. A customer request may carry
// assessment changes; they are applied first and the gate is evaluated on the
// result. Links, assessments and the signature commit together or not at all.
func (e Engine) Sign(ctx context.Context, actor domain.Actor, id string, role domain.SignerRole, changes lifecycle.AssessmentChanges) (domain.Deliverable, domain.SignOffStatus, error) {
	action := lifecycle.SignAction(role)
	if action == "" {
		err := lifecycle.ValidationError{Field: "role", Reason: "must be supplier or customer"}
		return domain.Deliverable{}, "", e.reject(lifecycle.Action("sign"), actor, id, err)
	}
	if role == domain.SignerSupplier && !changes.Empty() {
		err := lifecycle.ValidationError{Field: "assessments", Reason: "only the customer assesses linked items"}
		return domain.Deliverable{}, "", e.reject(action, actor, id, err)
	}
	signedEvent := func(tx *sql.Tx, d domain.Deliverable) error {
		if d.Status != domain.StatusSigned {
			return nil
		}
		return e.events().Append(ctx, tx, events.DeliverableSigned, "deliverable", d.ID, actor.ID, events.EventPayload{
			"supplier_signer_id": d.SupplierSignature.SignerID,
			"customer_signer_id": d.CustomerSignature.SignerID,
		})
	}
	d, err := e.mutate(ctx, actor, action, id, events.DeliverableSign, func(tx *sql.Tx, d *domain.Deliverable) (events.EventPayload, error) {
		if err := lifecycle.EnsureSignable(*d, role); err != nil {
			return nil, err
		}
		if !changes.Empty() {
			if err := auth.Authorize(actor, lifecycle.ActionAssess, d); err != nil {
				return nil, err
			}
			if err := e.applyAssessment(ctx, tx, d, changes, actor.ID); err != nil {
				return nil, err
			}
		}
		at := e.timestamp()
		if err := lifecycle.Sign(d, role, actor.ID, at); err != nil {
			return nil, err
		}
		sig := d.SupplierSignature
		if role == domain.SignerCustomer {
			sig = d.CustomerSignature
		}
		if err := e.Repo.WriteSignatureTx(ctx, tx, d.ID, *sig, at); err != nil {
			return nil, err
		}
		payload := assessmentPayload(changes)
		payload["role"] = role
		payload["signer_id"] = actor.ID
		payload["sign_off"] = lifecycle.SignOffStatusOf(*d)
		return payload, nil
	}, signedEvent)
	if err != nil {
		return d, lifecycle.SignOffStatusOf(d), err
	}
	metrics.RecordSignature(string(role))
	return d, lifecycle.SignOffStatusOf(d), nil
}

func (e Engine) applyAssessment(ctx context.Context, tx *sql.Tx, d *domain.Deliverable, changes lifecycle.AssessmentChanges, assessor string) error {
	if err := e.ensureCatalogItems(ctx, tx, changes.Link); err != nil {
		return err
	}
	if err := lifecycle.ApplyAssessment(d, changes, assessor, e.timestamp()); err != nil {
		return err
	}
	if err := e.Repo.ReplaceLinksTx(ctx, tx, *d); err != nil {
		return fmt.Errorf("write links: %w", err)
	}
	return nil
}

func (e Engine) ensureCatalogItems(ctx context.Context, tx *sql.Tx, refs []lifecycle.LinkRef) error {
	for _, ref := range refs {
		if ref.Kind != domain.LinkKPI && ref.Kind != domain.LinkQualityStandard {
			return lifecycle.ValidationError{Field: "kind", Reason: "must be kpi or quality_standard"}
		}
		if _, err := e.Repo.GetCatalogItemTx(ctx, tx, ref.Kind, ref.ItemID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%s %s: %w", ref.Kind, ref.ItemID, repo.ErrNotFound)
			}
			return err
		}
	}
	return nil
}

func assessmentPayload(c lifecycle.AssessmentChanges) events.EventPayload {
	p := events.EventPayload{}
	if len(c.Link) > 0 {
		p["link"] = c.Link
	}
	if len(c.Unlink) > 0 {
		p["unlink"] = c.Unlink
	}
	if len(c.Assessments) > 0 {
		p["assessments"] = c.Assessments
	}
	return p
}
