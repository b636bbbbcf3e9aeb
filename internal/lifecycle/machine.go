package lifecycle

import "deliverline/internal/domain"

// Normalize maps an unset status to the initial state.
func Normalize(s domain.Status) domain.Status {
	if s == "" {
		return domain.StatusNotStarted
	}
	return s
}

// Next returns the status reached by a review-workflow action, or an
// InvalidTransitionError when the action is not legal from current.
func Next(current domain.Status, action Action) (domain.Status, error) {
	current = Normalize(current)
	switch action {
	case ActionSubmit:
		if current == domain.StatusInProgress || current == domain.StatusReturnedForMoreWork {
			return domain.StatusSubmittedForReview, nil
		}
	case ActionReturn:
		if current == domain.StatusSubmittedForReview {
			return domain.StatusReturnedForMoreWork, nil
		}
	case ActionAccept:
		if current == domain.StatusSubmittedForReview {
			return domain.StatusReviewComplete, nil
		}
	}
	return current, InvalidTransitionError{Current: current, Action: action}
}

// Transition applies submit, return or accept to d. d is untouched on error.
func Transition(d *domain.Deliverable, action Action) error {
	next, err := Next(d.Status, action)
	if err != nil {
		return err
	}
	d.Status = next
	return nil
}

// Editable reports whether progress and tasks may change in status s.
func Editable(s domain.Status) bool {
	switch Normalize(s) {
	case domain.StatusNotStarted,
		domain.StatusInProgress,
		domain.StatusSubmittedForReview,
		domain.StatusReturnedForMoreWork:
		return true
	}
	return false
}

// EnsureEditable rejects progress and task changes once review is complete.
func EnsureEditable(d domain.Deliverable, action Action) error {
	if !Editable(d.Status) {
		return InvalidTransitionError{Current: Normalize(d.Status), Action: action}
	}
	return nil
}

// EnsureMutable rejects every mutation on a signed deliverable.
func EnsureMutable(d domain.Deliverable, action Action) error {
	if Normalize(d.Status) == domain.StatusSigned {
		return InvalidTransitionError{Current: domain.StatusSigned, Action: action}
	}
	return nil
}

// SetProgress applies a manual progress edit.
func SetProgress(d *domain.Deliverable, progress int) error {
	if progress < 0 || progress > 100 {
		return ValidationError{Field: "progress", Reason: "must be between 0 and 100"}
	}
	if err := EnsureEditable(*d, ActionEditProgress); err != nil {
		return err
	}
	if HasTasks(*d) {
		return ValidationError{Field: "progress", Reason: "derived from tasks; toggle tasks instead"}
	}
	applyProgress(d, progress)
	return nil
}

// Recompute stores the task-derived progress on d and returns it.
func Recompute(d *domain.Deliverable) int {
	p := ComputeProgress(d.Tasks, d.Progress)
	applyProgress(d, p)
	return p
}

// applyProgress enforces the auto-transition rule: any progress moves a
// not-started deliverable into progress, and progress alone never goes further.
func applyProgress(d *domain.Deliverable, progress int) {
	d.Progress = progress
	d.Status = Normalize(d.Status)
	if progress > 0 && d.Status == domain.StatusNotStarted {
		d.Status = domain.StatusInProgress
	}
}
