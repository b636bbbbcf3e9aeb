package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"deliverline/internal/domain"
)

// Action names a mutating operation checked by the state machine and the
// permission guard.
type Action string

const (
	ActionCreate          Action = "create"
	ActionEditName        Action = "edit_name"
	ActionEditMilestone   Action = "edit_milestone"
	ActionEditDescription Action = "edit_description"
	ActionEditProgress    Action = "edit_progress"
	ActionEditTask        Action = "edit_task"
	ActionLinkItem        Action = "link_item"
	ActionSubmit          Action = "submit"
	ActionReturn          Action = "return"
	ActionAccept          Action = "accept"
	ActionSignSupplier    Action = "sign_supplier"
	ActionSignCustomer    Action = "sign_customer"
	ActionAssess          Action = "assess"
	ActionDelete          Action = "delete"
	ActionManageCatalog   Action = "manage_catalog"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrLinkNotFound = errors.New("link not found")
)

// InvalidTransitionError reports an action that is not legal from the
// deliverable's current status.
type InvalidTransitionError struct {
	Current domain.Status
	Action  Action
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s a deliverable in status %s", e.Action, e.Current)
}

// AssessmentIncompleteError blocks a customer signature while linked items
// are unassessed.
type AssessmentIncompleteError struct {
	Items []string
}

func (e AssessmentIncompleteError) Error() string {
	return fmt.Sprintf("assessment incomplete: unassessed items %s", strings.Join(e.Items, ", "))
}

// ConcurrentSignatureConflictError means the signature slot was already
// written when the compare-and-set ran.
type ConcurrentSignatureConflictError struct {
	DeliverableID string
	Role          domain.SignerRole
}

func (e ConcurrentSignatureConflictError) Error() string {
	return fmt.Sprintf("%s signature already recorded on deliverable %s", e.Role, e.DeliverableID)
}

// ValidationError rejects malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
