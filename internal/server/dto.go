package server

import (
	"deliverline/internal/domain"
	"deliverline/internal/lifecycle"
)

// Request payloads

type CreateMilestoneRequest struct {
	ID            string  `json:"id,omitempty"`
	Ref           string  `json:"ref,omitempty"`
	Name          string  `json:"name"`
	BillableValue float64 `json:"billable_value,omitempty"`
	StartDate     string  `json:"start_date,omitempty" example:"2024-01-01"`
	EndDate       string  `json:"end_date,omitempty" example:"2024-03-31"`
}

type CreateDeliverableRequest struct {
	ID          string `json:"id,omitempty"`
	Ref         string `json:"ref,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MilestoneID string `json:"milestone_id,omitempty"`
	Progress    int    `json:"progress,omitempty" minimum:"0" maximum:"100"`
}

// EditFieldRequest edits a single deliverable field. Progress is sent as a
// decimal string; an empty milestone_id detaches the deliverable.
type EditFieldRequest struct {
	Field string `json:"field" enum:"name,description,progress,milestone_id"`
	Value string `json:"value"`
}

type CreateTaskRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Owner     string `json:"owner,omitempty"`
	Comment   string `json:"comment,omitempty"`
	Complete  bool   `json:"complete,omitempty"`
	SortOrder int    `json:"sort_order,omitempty"`
}

type UpdateTaskRequest struct {
	Name      *string `json:"name,omitempty"`
	Owner     *string `json:"owner,omitempty"`
	Comment   *string `json:"comment,omitempty"`
	SortOrder *int    `json:"sort_order,omitempty"`
}

type ToggleTaskRequest struct {
	Complete bool `json:"complete"`
}

type SignRequest struct {
	Role        domain.SignerRole      `json:"role" enum:"supplier,customer"`
	Link        []lifecycle.LinkRef    `json:"link,omitempty"`
	Unlink      []lifecycle.LinkRef    `json:"unlink,omitempty"`
	Assessments []lifecycle.Assessment `json:"assessments,omitempty"`
}

type CreateCatalogItemRequest struct {
	ID          string `json:"id,omitempty"`
	Ref         string `json:"ref,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type DevLoginRequest struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role" enum:"supplier,customer,admin,contributor,viewer"`
}

// Response payloads

type TaskResponse struct {
	Task     domain.Task `json:"task"`
	Progress int         `json:"progress"`
}

type SignResponse struct {
	Deliverable   domain.Deliverable   `json:"deliverable"`
	SignOffStatus domain.SignOffStatus `json:"sign_off_status" enum:"not_signed,awaiting_supplier,awaiting_customer,signed"`
}

type WhoAmIResponse struct {
	ActorID      string             `json:"actor_id"`
	Role         domain.Role        `json:"role"`
	Source       string             `json:"source"`
	Capabilities []lifecycle.Action `json:"capabilities"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func signRequestChanges(req SignRequest) lifecycle.AssessmentChanges {
	return lifecycle.AssessmentChanges{
		Link:        req.Link,
		Unlink:      req.Unlink,
		Assessments: req.Assessments,
	}
}

func nonNilDeliverables(items []domain.Deliverable) []domain.Deliverable {
	if items == nil {
		return []domain.Deliverable{}
	}
	return items
}
