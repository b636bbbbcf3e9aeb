package lifecycle

import (
	"strings"

	"deliverline/internal/domain"
)

// LinkRef identifies a KPI or quality standard linked to a deliverable.
type LinkRef struct {
	Kind   domain.LinkKind `json:"kind" enum:"kpi,quality_standard"`
	ItemID string          `json:"item_id"`
}

// Assessment is the customer's verdict on one linked item.
type Assessment struct {
	Kind   domain.LinkKind `json:"kind" enum:"kpi,quality_standard"`
	ItemID string          `json:"item_id"`
	Met    bool            `json:"met"`
}

// AssessmentChanges is what a customer may change during the assessment
// step: unlinks are applied first, then links, then assessments.
type AssessmentChanges struct {
	Link        []LinkRef    `json:"link,omitempty"`
	Unlink      []LinkRef    `json:"unlink,omitempty"`
	Assessments []Assessment `json:"assessments,omitempty"`
}

// Empty reports whether the changes carry nothing.
func (c AssessmentChanges) Empty() bool {
	return len(c.Link) == 0 && len(c.Unlink) == 0 && len(c.Assessments) == 0
}

// SignOffStatusOf derives the sign-off status from the two slots.
func SignOffStatusOf(d domain.Deliverable) domain.SignOffStatus {
	switch {
	case d.SupplierSignature != nil && d.CustomerSignature != nil:
		return domain.SignOffSigned
	case d.SupplierSignature != nil:
		return domain.SignOffAwaitingCustomer
	case d.CustomerSignature != nil:
		return domain.SignOffAwaitingSupplier
	default:
		return domain.SignOffNotSigned
	}
}

// HasSignature reports whether either slot is filled.
func HasSignature(d domain.Deliverable) bool {
	return d.SupplierSignature != nil || d.CustomerSignature != nil
}

// UnassessedItems lists linked item ids without an outcome, KPIs first.
func UnassessedItems(d domain.Deliverable) []string {
	var out []string
	for _, l := range d.KPIs {
		if l.Met == nil {
			out = append(out, l.ItemID)
		}
	}
	for _, l := range d.QualityStandards {
		if l.Met == nil {
			out = append(out, l.ItemID)
		}
	}
	return out
}

// EnsureLinksEditable rejects link edits once signing has started or the
// deliverable is signed.
func EnsureLinksEditable(d domain.Deliverable, action Action) error {
	if err := EnsureMutable(d, action); err != nil {
		return err
	}
	if HasSignature(d) {
		return InvalidTransitionError{Current: Normalize(d.Status), Action: action}
	}
	return nil
}

// LinkItem adds an unassessed link. Linking an already linked item is a no-op.
func LinkItem(d *domain.Deliverable, ref LinkRef) error {
	links, err := linksFor(d, ref.Kind)
	if err != nil {
		return err
	}
	if strings.TrimSpace(ref.ItemID) == "" {
		return ValidationError{Field: "item_id", Reason: "required"}
	}
	for _, l := range *links {
		if l.ItemID == ref.ItemID {
			return nil
		}
	}
	*links = append(*links, domain.Link{Kind: ref.Kind, ItemID: ref.ItemID})
	return nil
}

// UnlinkItem removes a link together with any assessment it carried.
func UnlinkItem(d *domain.Deliverable, ref LinkRef) error {
	links, err := linksFor(d, ref.Kind)
	if err != nil {
		return err
	}
	for i, l := range *links {
		if l.ItemID == ref.ItemID {
			*links = append((*links)[:i:i], (*links)[i+1:]...)
			return nil
		}
	}
	return ErrLinkNotFound
}

// Assess records an outcome on a linked item.
func Assess(d *domain.Deliverable, a Assessment, assessor, at string) error {
	links, err := linksFor(d, a.Kind)
	if err != nil {
		return err
	}
	for i := range *links {
		if (*links)[i].ItemID == a.ItemID {
			met := a.Met
			(*links)[i].Met = &met
			(*links)[i].AssessedBy = assessor
			(*links)[i].AssessedAt = at
			return nil
		}
	}
	return ErrLinkNotFound
}

// ApplyAssessment applies a customer's assessment-step changes to d. It is
// only legal while review is complete and the customer has not signed.
func ApplyAssessment(d *domain.Deliverable, c AssessmentChanges, assessor, at string) error {
	if Normalize(d.Status) != domain.StatusReviewComplete || d.CustomerSignature != nil {
		return InvalidTransitionError{Current: Normalize(d.Status), Action: ActionAssess}
	}
	for _, ref := range c.Unlink {
		if err := UnlinkItem(d, ref); err != nil {
			return err
		}
	}
	for _, ref := range c.Link {
		if err := LinkItem(d, ref); err != nil {
			return err
		}
	}
	for _, a := range c.Assessments {
		if err := Assess(d, a, assessor, at); err != nil {
			return err
		}
	}
	return nil
}

// EnsureSignable checks that role names a slot, d is review complete and the
// slot is still empty.
func EnsureSignable(d domain.Deliverable, role domain.SignerRole) error {
	action := SignAction(role)
	if action == "" {
		return ValidationError{Field: "role", Reason: "must be supplier or customer"}
	}
	if Normalize(d.Status) != domain.StatusReviewComplete {
		return InvalidTransitionError{Current: Normalize(d.Status), Action: action}
	}
	if slotFor(&d, role) != nil {
		return ConcurrentSignatureConflictError{DeliverableID: d.ID, Role: role}
	}
	return nil
}

// Sign fills the slot for role. The customer slot is gated on every linked
// item carrying an assessment. The second signature moves d to signed.
func Sign(d *domain.Deliverable, role domain.SignerRole, signerID, at string) error {
	if err := EnsureSignable(*d, role); err != nil {
		return err
	}
	if strings.TrimSpace(signerID) == "" {
		return ValidationError{Field: "signer", Reason: "signer identity required"}
	}
	if role == domain.SignerCustomer {
		if missing := UnassessedItems(*d); len(missing) > 0 {
			return AssessmentIncompleteError{Items: missing}
		}
	}
	sig := &domain.Signature{SignerID: signerID, Role: role, SignedAt: at}
	if role == domain.SignerCustomer {
		d.CustomerSignature = sig
	} else {
		d.SupplierSignature = sig
	}
	if d.SupplierSignature != nil && d.CustomerSignature != nil {
		d.Status = domain.StatusSigned
	}
	return nil
}

func slotFor(d *domain.Deliverable, role domain.SignerRole) *domain.Signature {
	if role == domain.SignerCustomer {
		return d.CustomerSignature
	}
	return d.SupplierSignature
}

// SignAction maps a signer role onto its guard action.
func SignAction(role domain.SignerRole) Action {
	switch role {
	case domain.SignerSupplier:
		return ActionSignSupplier
	case domain.SignerCustomer:
		return ActionSignCustomer
	}
	return ""
}

func linksFor(d *domain.Deliverable, kind domain.LinkKind) (*[]domain.Link, error) {
	switch kind {
	case domain.LinkKPI:
		return &d.KPIs, nil
	case domain.LinkQualityStandard:
		return &d.QualityStandards, nil
	}
	return nil, ValidationError{Field: "kind", Reason: "must be kpi or quality_standard"}
}
