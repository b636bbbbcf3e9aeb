package lifecycle

import "deliverline/internal/domain"

// ActiveTasks drops soft-deleted tasks.
func ActiveTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if !t.Deleted {
			out = append(out, t)
		}
	}
	return out
}

// ComputeProgress derives a completion percentage from tasks. With no live
// tasks the manual value is returned unchanged; otherwise the task ratio wins.
func ComputeProgress(tasks []domain.Task, manual int) int {
	total, done := 0, 0
	for _, t := range tasks {
		if t.Deleted {
			continue
		}
		total++
		if t.Complete {
			done++
		}
	}
	if total == 0 {
		return manual
	}
	return roundDiv(100*done, total)
}

// EffectiveProgress is the progress a reader must see for d.
func EffectiveProgress(d domain.Deliverable) int {
	return ComputeProgress(d.Tasks, d.Progress)
}

// HasTasks reports whether progress is task-derived for d.
func HasTasks(d domain.Deliverable) bool {
	for _, t := range d.Tasks {
		if !t.Deleted {
			return true
		}
	}
	return false
}

// roundDiv divides non-negative integers rounding halves up.
func roundDiv(num, den int) int {
	return (2*num + den) / (2 * den)
}
