package deliverlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Deliverline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID and Role are sent as legacy identity headers when no bearer
	// token is set. The server must allow them.
	ActorID    string
	Role       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

type Task struct {
	ID            string `json:"id"`
	DeliverableID string `json:"deliverable_id"`
	Name          string `json:"name"`
	Owner         string `json:"owner,omitempty"`
	Comment       string `json:"comment,omitempty"`
	Complete      bool   `json:"complete"`
	Deleted       bool   `json:"deleted"`
	SortOrder     int    `json:"sort_order"`
}

// TaskResult is a task together with its deliverable's progress after the
// change.
type TaskResult struct {
	Task     Task `json:"task"`
	Progress int  `json:"progress"`
}

type Link struct {
	Kind       string `json:"kind"`
	ItemID     string `json:"item_id"`
	Met        *bool  `json:"met,omitempty"`
	AssessedBy string `json:"assessed_by,omitempty"`
}

type Signature struct {
	SignerID string `json:"signer_id"`
	Role     string `json:"role"`
	SignedAt string `json:"signed_at"`
}

// Deliverable represents the API deliverable model.
type Deliverable struct {
	ID                string     `json:"id"`
	Ref               string     `json:"ref"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Progress          int        `json:"progress"`
	Status            string     `json:"status"`
	MilestoneID       *string    `json:"milestone_id,omitempty"`
	Tasks             []Task     `json:"tasks"`
	KPIs              []Link     `json:"kpis"`
	QualityStandards  []Link     `json:"quality_standards"`
	SupplierSignature *Signature `json:"supplier_signature,omitempty"`
	CustomerSignature *Signature `json:"customer_signature,omitempty"`
}

// Milestone is a milestone with its derived rollup.
type Milestone struct {
	ID            string        `json:"id"`
	Ref           string        `json:"ref"`
	Name          string        `json:"name"`
	BillableValue float64       `json:"billable_value"`
	StartDate     string        `json:"start_date,omitempty"`
	EndDate       string        `json:"end_date,omitempty"`
	Status        string        `json:"status"`
	Progress      int           `json:"progress"`
	Deliverables  []Deliverable `json:"deliverables"`
}

type LinkRef struct {
	Kind   string `json:"kind"`
	ItemID string `json:"item_id"`
}

type Assessment struct {
	Kind   string `json:"kind"`
	ItemID string `json:"item_id"`
	Met    bool   `json:"met"`
}

// AssessmentChanges carries customer link edits and verdicts.
type AssessmentChanges struct {
	Link        []LinkRef    `json:"link,omitempty"`
	Unlink      []LinkRef    `json:"unlink,omitempty"`
	Assessments []Assessment `json:"assessments,omitempty"`
}

type SignResult struct {
	Deliverable   Deliverable `json:"deliverable"`
	SignOffStatus string      `json:"sign_off_status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type WhoAmI struct {
	ActorID      string   `json:"actor_id"`
	Role         string   `json:"role"`
	Source       string   `json:"source"`
	Capabilities []string `json:"capabilities"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateDeliverable creates a deliverable, optionally under a milestone.
func (c *Client) CreateDeliverable(ctx context.Context, name, milestoneID string) (Deliverable, error) {
	body := map[string]any{"name": name}
	if milestoneID != "" {
		body["milestone_id"] = milestoneID
	}
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, "deliverables", body, &resp)
	return resp, err
}

func (c *Client) GetDeliverable(ctx context.Context, id string) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodGet, deliverablePath(id, ""), nil, &resp)
	return resp, err
}

// EditField edits one of name, description, progress or milestone_id.
func (c *Client) EditField(ctx context.Context, id, field, value string) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodPatch, deliverablePath(id, ""), map[string]any{"field": field, "value": value}, &resp)
	return resp, err
}

func (c *Client) Submit(ctx context.Context, id string) (Deliverable, error) {
	return c.transition(ctx, id, "submit")
}

func (c *Client) Return(ctx context.Context, id string) (Deliverable, error) {
	return c.transition(ctx, id, "return")
}

func (c *Client) Accept(ctx context.Context, id string) (Deliverable, error) {
	return c.transition(ctx, id, "accept")
}

func (c *Client) transition(ctx context.Context, id, action string) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, deliverablePath(id, action), nil, &resp)
	return resp, err
}

func (c *Client) LinkItem(ctx context.Context, id string, ref LinkRef) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, deliverablePath(id, "links"), ref, &resp)
	return resp, err
}

func (c *Client) Assess(ctx context.Context, id string, changes AssessmentChanges) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, deliverablePath(id, "assessments"), changes, &resp)
	return resp, err
}

// Sign fills the signature slot for role. Customer signatures may carry
// assessment changes applied in the same step.
func (c *Client) Sign(ctx context.Context, id, role string, changes AssessmentChanges) (SignResult, error) {
	body := map[string]any{"role": role}
	if len(changes.Link) > 0 {
		body["link"] = changes.Link
	}
	if len(changes.Unlink) > 0 {
		body["unlink"] = changes.Unlink
	}
	if len(changes.Assessments) > 0 {
		body["assessments"] = changes.Assessments
	}
	var resp SignResult
	err := c.do(ctx, http.MethodPost, deliverablePath(id, "sign"), body, &resp)
	return resp, err
}

func (c *Client) AddTask(ctx context.Context, deliverableID, name string) (TaskResult, error) {
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, deliverablePath(deliverableID, "tasks"), map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) ToggleTask(ctx context.Context, deliverableID, taskID string, complete bool) (TaskResult, error) {
	var resp TaskResult
	endpoint := deliverablePath(deliverableID, "tasks/"+url.PathEscape(taskID)+"/toggle")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"complete": complete}, &resp)
	return resp, err
}

func (c *Client) CreateMilestone(ctx context.Context, id, name string, billableValue float64) (Milestone, error) {
	body := map[string]any{"id": id, "name": name, "billable_value": billableValue}
	var resp Milestone
	err := c.do(ctx, http.MethodPost, "milestones", body, &resp)
	return resp, err
}

// Milestone returns a milestone with its rollup computed at read time.
func (c *Client) Milestone(ctx context.Context, id string) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodGet, "milestones/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		req.Header.Set("X-Actor-Role", c.Role)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func deliverablePath(id, sub string) string {
	p := "deliverables/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
