package lifecycle

import "deliverline/internal/domain"

// RollupMilestone derives a milestone's status and progress from its
// children. The result is never stored.
func RollupMilestone(children []domain.Deliverable) domain.MilestoneState {
	if len(children) == 0 {
		return domain.MilestoneState{Status: domain.MilestoneNotStarted, Progress: 0}
	}
	allNotStarted, allSigned := true, true
	sum := 0
	for _, c := range children {
		switch Normalize(c.Status) {
		case domain.StatusNotStarted:
			allSigned = false
		case domain.StatusSigned:
			allNotStarted = false
		default:
			allNotStarted = false
			allSigned = false
		}
		sum += EffectiveProgress(c)
	}
	state := domain.MilestoneState{
		Status:   domain.MilestoneInProgress,
		Progress: roundDiv(sum, len(children)),
	}
	switch {
	case allNotStarted:
		state.Status = domain.MilestoneNotStarted
	case allSigned:
		state.Status = domain.MilestoneCompleted
	}
	return state
}
