package auth

import (
	"fmt"
	"strings"

	"deliverline/internal/domain"
	"deliverline/internal/lifecycle"
)

// PermissionDeniedError indicates the caller's role may not perform Action.
type PermissionDeniedError struct {
	Action   lifecycle.Action
	Required []domain.Role
	Actual   domain.Role
	Reason   string
}

func (e PermissionDeniedError) Error() string {
	roles := make([]string, len(e.Required))
	for i, r := range e.Required {
		roles[i] = string(r)
	}
	actual := string(e.Actual)
	if actual == "" {
		actual = "none"
	}
	msg := fmt.Sprintf("permission denied: %s requires role %s (have %s)", e.Action, strings.Join(roles, "|"), actual)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// RequiredRoles returns the roles allowed to perform action. Unknown actions
// return nil, which denies everyone.
func RequiredRoles(action lifecycle.Action) []domain.Role {
	switch action {
	case lifecycle.ActionCreate,
		lifecycle.ActionEditName,
		lifecycle.ActionEditMilestone,
		lifecycle.ActionLinkItem,
		lifecycle.ActionManageCatalog,
		lifecycle.ActionSubmit,
		lifecycle.ActionSignSupplier,
		lifecycle.ActionDelete:
		return []domain.Role{domain.RoleSupplier, domain.RoleAdmin}
	case lifecycle.ActionEditDescription,
		lifecycle.ActionEditProgress,
		lifecycle.ActionEditTask:
		return []domain.Role{domain.RoleSupplier, domain.RoleAdmin, domain.RoleContributor}
	case lifecycle.ActionAccept,
		lifecycle.ActionReturn:
		return []domain.Role{domain.RoleCustomer, domain.RoleAdmin}
	case lifecycle.ActionSignCustomer,
		lifecycle.ActionAssess:
		return []domain.Role{domain.RoleCustomer}
	}
	return nil
}

// Can reports whether role may perform action.
func Can(role domain.Role, action lifecycle.Action) bool {
	for _, r := range RequiredRoles(action) {
		if r == role {
			return true
		}
	}
	return false
}

// Authorize checks actor against action. d is the current record for
// record-scoped actions and may be nil otherwise.
func Authorize(actor domain.Actor, action lifecycle.Action, d *domain.Deliverable) error {
	denied := PermissionDeniedError{Action: action, Required: RequiredRoles(action), Actual: actor.Role}
	if strings.TrimSpace(actor.ID) == "" {
		denied.Reason = "actor id required"
		return denied
	}
	if !Can(actor.Role, action) {
		return denied
	}
	if action == lifecycle.ActionDelete && d != nil && lifecycle.HasSignature(*d) {
		denied.Reason = "deliverable carries a signature"
		return denied
	}
	return nil
}

// FieldAction maps an editable deliverable field onto its guard action.
func FieldAction(field string) (lifecycle.Action, bool) {
	switch field {
	case "name":
		return lifecycle.ActionEditName, true
	case "description":
		return lifecycle.ActionEditDescription, true
	case "progress":
		return lifecycle.ActionEditProgress, true
	case "milestone_id":
		return lifecycle.ActionEditMilestone, true
	}
	return "", false
}

var allActions = []lifecycle.Action{
	lifecycle.ActionCreate,
	lifecycle.ActionEditName,
	lifecycle.ActionEditMilestone,
	lifecycle.ActionEditDescription,
	lifecycle.ActionEditProgress,
	lifecycle.ActionEditTask,
	lifecycle.ActionLinkItem,
	lifecycle.ActionSubmit,
	lifecycle.ActionReturn,
	lifecycle.ActionAccept,
	lifecycle.ActionSignSupplier,
	lifecycle.ActionSignCustomer,
	lifecycle.ActionAssess,
	lifecycle.ActionDelete,
	lifecycle.ActionManageCatalog,
}

// Capabilities lists the actions role may perform, in a stable order.
func Capabilities(role domain.Role) []lifecycle.Action {
	var out []lifecycle.Action
	for _, a := range allActions {
		if Can(role, a) {
			out = append(out, a)
		}
	}
	return out
}
