package domain

// Role is the closed set of caller roles known to the permission guard.
type Role string

const (
	RoleSupplier    Role = "supplier"
	RoleCustomer    Role = "customer"
	RoleAdmin       Role = "admin"
	RoleContributor Role = "contributor"
	RoleViewer      Role = "viewer"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleSupplier, RoleCustomer, RoleAdmin, RoleContributor, RoleViewer}

// ParseRole returns the role named by s and whether it is known.
func ParseRole(s string) (Role, bool) {
	for _, r := range Roles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// Actor is the caller identity supplied by the auth/session provider.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Status string

const (
	StatusNotStarted          Status = "not_started"
	StatusInProgress          Status = "in_progress"
	StatusSubmittedForReview  Status = "submitted_for_review"
	StatusReturnedForMoreWork Status = "returned_for_more_work"
	StatusReviewComplete      Status = "review_complete"
	StatusSigned              Status = "signed"
)

type MilestoneStatus string

const (
	MilestoneNotStarted MilestoneStatus = "not_started"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
)

type SignOffStatus string

const (
	SignOffNotSigned        SignOffStatus = "not_signed"
	SignOffAwaitingSupplier SignOffStatus = "awaiting_supplier"
	SignOffAwaitingCustomer SignOffStatus = "awaiting_customer"
	SignOffSigned           SignOffStatus = "signed"
)

// SignerRole tags which signature slot a signature occupies.
type SignerRole string

const (
	SignerSupplier SignerRole = "supplier"
	SignerCustomer SignerRole = "customer"
)

type LinkKind string

const (
	LinkKPI             LinkKind = "kpi"
	LinkQualityStandard LinkKind = "quality_standard"
)

type Task struct {
	ID            string `json:"id"`
	DeliverableID string `json:"deliverable_id"`
	Name          string `json:"name"`
	Owner         string `json:"owner,omitempty"`
	Comment       string `json:"comment,omitempty"`
	Complete      bool   `json:"complete"`
	Deleted       bool   `json:"deleted"`
	SortOrder     int    `json:"sort_order"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

// Link associates a deliverable with a KPI or quality standard. Met is nil
// until the customer assesses the item.
type Link struct {
	Kind       LinkKind `json:"kind" enum:"kpi,quality_standard"`
	ItemID     string   `json:"item_id"`
	Met        *bool    `json:"met,omitempty"`
	AssessedBy string   `json:"assessed_by,omitempty"`
	AssessedAt string   `json:"assessed_at,omitempty" format:"date-time"`
}

type Signature struct {
	SignerID string     `json:"signer_id"`
	Role     SignerRole `json:"role" enum:"supplier,customer"`
	SignedAt string     `json:"signed_at" format:"date-time"`
}

type Deliverable struct {
	ID                string     `json:"id"`
	Ref               string     `json:"ref"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Progress          int        `json:"progress"`
	Status            Status     `json:"status" enum:"not_started,in_progress,submitted_for_review,returned_for_more_work,review_complete,signed"`
	MilestoneID       *string    `json:"milestone_id,omitempty"`
	Tasks             []Task     `json:"tasks"`
	KPIs              []Link     `json:"kpis"`
	QualityStandards  []Link     `json:"quality_standards"`
	SupplierSignature *Signature `json:"supplier_signature,omitempty"`
	CustomerSignature *Signature `json:"customer_signature,omitempty"`
	CreatedAt         string     `json:"created_at" format:"date-time"`
	UpdatedAt         string     `json:"updated_at" format:"date-time"`
}

// Clone returns a deep copy so a tentative mutation never touches the
// authoritative record.
func (d Deliverable) Clone() Deliverable {
	out := d
	if d.MilestoneID != nil {
		id := *d.MilestoneID
		out.MilestoneID = &id
	}
	out.Tasks = append([]Task(nil), d.Tasks...)
	out.KPIs = cloneLinks(d.KPIs)
	out.QualityStandards = cloneLinks(d.QualityStandards)
	if d.SupplierSignature != nil {
		s := *d.SupplierSignature
		out.SupplierSignature = &s
	}
	if d.CustomerSignature != nil {
		s := *d.CustomerSignature
		out.CustomerSignature = &s
	}
	return out
}

func cloneLinks(in []Link) []Link {
	if in == nil {
		return nil
	}
	out := make([]Link, len(in))
	for i, l := range in {
		out[i] = l
		if l.Met != nil {
			met := *l.Met
			out[i].Met = &met
		}
	}
	return out
}

// Milestone has no stored status or progress; see MilestoneView.
type Milestone struct {
	ID            string  `json:"id"`
	Ref           string  `json:"ref"`
	Name          string  `json:"name"`
	BillableValue float64 `json:"billable_value"`
	StartDate     string  `json:"start_date,omitempty"`
	EndDate       string  `json:"end_date,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type MilestoneState struct {
	Status   MilestoneStatus `json:"status" enum:"not_started,in_progress,completed"`
	Progress int             `json:"progress"`
}

// MilestoneView is a milestone read together with its live children and the
// rollup derived from them at read time.
type MilestoneView struct {
	Milestone
	MilestoneState
	Deliverables []Deliverable `json:"deliverables"`
}

// CatalogItem is a KPI or quality standard reference object.
type CatalogItem struct {
	ID          string   `json:"id"`
	Kind        LinkKind `json:"kind" enum:"kpi,quality_standard"`
	Ref         string   `json:"ref"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
