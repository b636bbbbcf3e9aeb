package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/config"
	"deliverline/internal/db"
	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/lifecycle"
	"deliverline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err, "ensure workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err, "open db")
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn), "migrate")
	cfg := config.Default()
	e := engine.New(conn, cfg, nil)
	e.Now = func() time.Time { return time.Now().UTC() }
	require.NoError(t, e.SeedCatalog(ctx, cfg), "seed catalog")
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			EnableDevLogin:         true,
		},
	})
	require.NoError(t, err, "build handler")
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actorID string, role domain.Role) map[string]string {
	return map[string]string{"X-Actor-Id": actorID, "X-Actor-Role": string(role)}
}

var (
	supplierHdr = as("sam", domain.RoleSupplier)
	customerHdr = as("carol", domain.RoleCustomer)
	viewerHdr   = as("vic", domain.RoleViewer)
)

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "new request")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func createDeliverable(t *testing.T, srv *testServer, name string) domain.Deliverable {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deliverables", map[string]any{"name": name}, supplierHdr)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var d domain.Deliverable
	require.NoError(t, json.Unmarshal(data, &d))
	return d
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/deliverables", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deliverables", nil, map[string]string{"X-Actor-Id": "sam", "X-Actor-Role": "auditor"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deliverables", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "sam",
		"role":     "supplier",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	require.NotEmpty(t, login.Token)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, "sam", who.ActorID)
	assert.Equal(t, domain.RoleSupplier, who.Role)
	assert.Equal(t, "jwt", who.Source)
	assert.Contains(t, who.Capabilities, lifecycle.ActionSignSupplier)
	assert.NotContains(t, who.Capabilities, lifecycle.ActionSignCustomer)
}

func TestViewerCannotCreate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deliverables", map[string]any{"name": "Nope"}, viewerHdr)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "permission_denied", env.Error.Code)
	assert.Equal(t, "create", env.Error.Details["action"])
	assert.Equal(t, "viewer", env.Error.Details["actual"])
}

func TestSignOffOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	d := createDeliverable(t, srv, "Integration report")
	base := srv.URL + "/v0/deliverables/" + d.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/links", map[string]any{"kind": "kpi", "item_id": "kpi-on-time"}, supplierHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPatch, base, map[string]any{"field": "progress", "value": "100"}, supplierHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, base+"/accept", nil, customerHdr)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "invalid_transition", decodeError(t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodPost, base+"/submit", nil, supplierHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, base+"/accept", nil, customerHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, base+"/sign", map[string]any{"role": "customer"}, customerHdr)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "assessment_incomplete", env.Error.Code)
	assert.Equal(t, []any{"kpi-on-time"}, env.Error.Details["items"])

	res, data = doJSON(t, client, http.MethodPost, base+"/sign", map[string]any{
		"role":        "customer",
		"assessments": []map[string]any{{"kind": "kpi", "item_id": "kpi-on-time", "met": true}},
	}, customerHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var signed SignResponse
	require.NoError(t, json.Unmarshal(data, &signed))
	assert.Equal(t, domain.SignOffAwaitingSupplier, signed.SignOffStatus)
	assert.Equal(t, domain.StatusReviewComplete, signed.Deliverable.Status)

	res, data = doJSON(t, client, http.MethodPost, base+"/sign", map[string]any{"role": "supplier"}, supplierHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &signed))
	assert.Equal(t, domain.SignOffSigned, signed.SignOffStatus)
	assert.Equal(t, domain.StatusSigned, signed.Deliverable.Status)

	res, data = doJSON(t, client, http.MethodDelete, base, nil, supplierHdr)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Contains(t, decodeError(t, data).Error.Details["reason"], "signature")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_id="+d.ID+"&limit=2", nil, viewerHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "deliverable.signed", page.Items[0].Type)
	assert.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_id="+d.ID+"&cursor="+page.NextCursor, nil, viewerHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var older paginatedEvents
	require.NoError(t, json.Unmarshal(data, &older))
	require.NotEmpty(t, older.Items)
	assert.Less(t, older.Items[0].ID, page.Items[1].ID)
}

func TestTaskRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	d := createDeliverable(t, srv, "Design pack")
	other := createDeliverable(t, srv, "Other")
	base := srv.URL + "/v0/deliverables/" + d.ID + "/tasks"

	res, data := doJSON(t, client, http.MethodPost, base, map[string]any{"name": "Draft"}, supplierHdr)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var added TaskResponse
	require.NoError(t, json.Unmarshal(data, &added))
	res, data = doJSON(t, client, http.MethodPost, base, map[string]any{"name": "Review"}, supplierHdr)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, base+"/"+added.Task.ID+"/toggle", map[string]any{"complete": true}, as("cole", domain.RoleContributor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var toggled TaskResponse
	require.NoError(t, json.Unmarshal(data, &toggled))
	assert.True(t, toggled.Task.Complete)
	assert.Equal(t, 50, toggled.Progress)

	res, data = doJSON(t, client, http.MethodPatch, base+"/"+added.Task.ID, map[string]any{"owner": "cole"}, supplierHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodDelete, base+"/"+added.Task.ID, nil, supplierHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var deleted TaskResponse
	require.NoError(t, json.Unmarshal(data, &deleted))
	assert.True(t, deleted.Task.Deleted)
	assert.Equal(t, 0, deleted.Progress)

	res, data = doJSON(t, client, http.MethodPost, base+"/"+added.Task.ID+"/restore", nil, supplierHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var restored TaskResponse
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, 50, restored.Progress)

	wrong := srv.URL + "/v0/deliverables/" + other.ID + "/tasks/" + added.Task.ID + "/toggle"
	res, data = doJSON(t, client, http.MethodPost, wrong, map[string]any{"complete": false}, supplierHdr)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/deliverables/"+d.ID, map[string]any{"field": "progress", "value": "10"}, supplierHdr)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "progress", decodeError(t, data).Error.Details["field"])
}

func TestMilestoneRollupRoute(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/milestones", map[string]any{
		"id":             "m1",
		"name":           "Phase 1",
		"billable_value": 12000,
		"start_date":     "2024-01-01",
		"end_date":       "2024-03-31",
	}, supplierHdr)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	for _, name := range []string{"A", "B"} {
		d := createDeliverable(t, srv, name)
		res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/deliverables/"+d.ID, map[string]any{"field": "milestone_id", "value": "m1"}, supplierHdr)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		if name == "A" {
			res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/deliverables/"+d.ID, map[string]any{"field": "progress", "value": "50"}, supplierHdr)
			require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/milestones/m1", nil, viewerHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var view domain.MilestoneView
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, domain.MilestoneInProgress, view.Status)
	assert.Equal(t, 25, view.Progress)
	assert.Len(t, view.Deliverables, 2)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/milestones/missing", nil, viewerHdr)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestCatalogRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/quality-standards", map[string]any{"id": "qs-wcag", "name": "WCAG 2.1 AA"}, supplierHdr)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/quality-standards", nil, viewerHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var items []domain.CatalogItem
	require.NoError(t, json.Unmarshal(data, &items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	assert.Contains(t, ids, "qs-wcag")
	assert.Contains(t, ids, "qs-iso9001")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/kpis", map[string]any{"name": "Budget"}, customerHdr)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(data), "deliverline_http_request_duration_seconds"))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var oas map[string]any
	require.NoError(t, json.Unmarshal(data, &oas))
	paths, ok := oas["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/deliverables/{deliverable_id}/sign")
}
