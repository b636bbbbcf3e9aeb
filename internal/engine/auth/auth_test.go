package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/domain"
	"deliverline/internal/lifecycle"
)

func TestMatrix(t *testing.T) {
	want := map[lifecycle.Action][]domain.Role{
		lifecycle.ActionCreate:          {domain.RoleSupplier, domain.RoleAdmin},
		lifecycle.ActionEditName:        {domain.RoleSupplier, domain.RoleAdmin},
		lifecycle.ActionEditMilestone:   {domain.RoleSupplier, domain.RoleAdmin},
		lifecycle.ActionLinkItem:        {domain.RoleSupplier, domain.RoleAdmin},
		lifecycle.ActionEditDescription: {domain.RoleSupplier, domain.RoleAdmin, domain.RoleContributor},
		lifecycle.ActionEditProgress:    {domain.RoleSupplier, domain.RoleAdmin, domain.RoleContributor},
		lifecycle.ActionEditTask:        {domain.RoleSupplier, domain.RoleAdmin, domain.RoleContributor},
		lifecycle.ActionSubmit:          {domain.RoleSupplier, domain.RoleAdmin},
		lifecycle.ActionAccept:          {domain.RoleCustomer, domain.RoleAdmin},
		lifecycle.ActionReturn:          {domain.RoleCustomer, domain.RoleAdmin},
		lifecycle.ActionSignSupplier:    {domain.RoleSupplier, domain.RoleAdmin},
		lifecycle.ActionSignCustomer:    {domain.RoleCustomer},
		lifecycle.ActionAssess:          {domain.RoleCustomer},
		lifecycle.ActionDelete:          {domain.RoleSupplier, domain.RoleAdmin},
		lifecycle.ActionManageCatalog:   {domain.RoleSupplier, domain.RoleAdmin},
	}
	require.Len(t, allActions, len(want))
	for action, allowed := range want {
		for _, role := range domain.Roles {
			expected := false
			for _, r := range allowed {
				if r == role {
					expected = true
				}
			}
			assert.Equal(t, expected, Can(role, action), "%s/%s", role, action)
		}
	}
}

func TestViewerDeniedEverything(t *testing.T) {
	assert.Empty(t, Capabilities(domain.RoleViewer))
	assert.Empty(t, Capabilities(domain.Role("auditor")))
	assert.False(t, Can(domain.RoleAdmin, lifecycle.Action("launch")))
}

func TestAuthorize(t *testing.T) {
	err := Authorize(domain.Actor{ID: "v1", Role: domain.RoleViewer}, lifecycle.ActionSubmit, nil)
	var denied PermissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, lifecycle.ActionSubmit, denied.Action)
	assert.Equal(t, domain.RoleViewer, denied.Actual)
	assert.Equal(t, []domain.Role{domain.RoleSupplier, domain.RoleAdmin}, denied.Required)

	require.NoError(t, Authorize(domain.Actor{ID: "s1", Role: domain.RoleSupplier}, lifecycle.ActionSubmit, nil))

	err = Authorize(domain.Actor{Role: domain.RoleAdmin}, lifecycle.ActionSubmit, nil)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "actor id required", denied.Reason)
}

func TestDeleteBlockedBySignature(t *testing.T) {
	admin := domain.Actor{ID: "a1", Role: domain.RoleAdmin}
	d := domain.Deliverable{Status: domain.StatusReviewComplete}
	require.NoError(t, Authorize(admin, lifecycle.ActionDelete, &d))

	d.SupplierSignature = &domain.Signature{SignerID: "s1", Role: domain.SignerSupplier}
	var denied PermissionDeniedError
	require.ErrorAs(t, Authorize(admin, lifecycle.ActionDelete, &d), &denied)
	assert.Contains(t, denied.Error(), "signature")
}

func TestFieldAction(t *testing.T) {
	a, ok := FieldAction("progress")
	assert.True(t, ok)
	assert.Equal(t, lifecycle.ActionEditProgress, a)
	_, ok = FieldAction("status")
	assert.False(t, ok)
}
