package lifecycle

import (
	"sort"
	"strings"

	"deliverline/internal/domain"
)

// TaskPatch carries optional task field edits.
type TaskPatch struct {
	Name      *string
	Owner     *string
	Comment   *string
	SortOrder *int
}

// SortTasks orders tasks by sort order, then creation time.
func SortTasks(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].SortOrder != tasks[j].SortOrder {
			return tasks[i].SortOrder < tasks[j].SortOrder
		}
		return tasks[i].CreatedAt < tasks[j].CreatedAt
	})
}

// AddTask appends t to d and recomputes progress.
func AddTask(d *domain.Deliverable, t domain.Task) (domain.Task, error) {
	if err := EnsureEditable(*d, ActionEditTask); err != nil {
		return t, err
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return t, ValidationError{Field: "name", Reason: "task name is required"}
	}
	if t.SortOrder == 0 {
		t.SortOrder = nextSortOrder(d.Tasks)
	}
	t.DeliverableID = d.ID
	t.Deleted = false
	d.Tasks = append(d.Tasks, t)
	SortTasks(d.Tasks)
	Recompute(d)
	return t, nil
}

// ToggleTask flips a task's completion flag and recomputes progress.
func ToggleTask(d *domain.Deliverable, taskID string, complete bool) (domain.Task, error) {
	idx, err := liveTask(*d, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	d.Tasks[idx].Complete = complete
	Recompute(d)
	return d.Tasks[idx], nil
}

// UpdateTask edits descriptive task fields. Progress is unaffected.
func UpdateTask(d *domain.Deliverable, taskID string, patch TaskPatch) (domain.Task, error) {
	idx, err := liveTask(*d, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	t := d.Tasks[idx]
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return domain.Task{}, ValidationError{Field: "name", Reason: "task name is required"}
		}
		t.Name = name
	}
	if patch.Owner != nil {
		t.Owner = *patch.Owner
	}
	if patch.Comment != nil {
		t.Comment = *patch.Comment
	}
	if patch.SortOrder != nil {
		t.SortOrder = *patch.SortOrder
	}
	d.Tasks[idx] = t
	SortTasks(d.Tasks)
	return t, nil
}

// DeleteTask soft-deletes a task and recomputes progress. Removing the last
// live task hands progress back to the manual value last stored.
func DeleteTask(d *domain.Deliverable, taskID string) (domain.Task, error) {
	idx, err := liveTask(*d, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	d.Tasks[idx].Deleted = true
	Recompute(d)
	return d.Tasks[idx], nil
}

// RestoreTask undoes a soft delete.
func RestoreTask(d *domain.Deliverable, taskID string) (domain.Task, error) {
	if err := EnsureEditable(*d, ActionEditTask); err != nil {
		return domain.Task{}, err
	}
	idx := findTask(*d, taskID)
	if idx < 0 {
		return domain.Task{}, ErrTaskNotFound
	}
	d.Tasks[idx].Deleted = false
	Recompute(d)
	return d.Tasks[idx], nil
}

func liveTask(d domain.Deliverable, taskID string) (int, error) {
	if err := EnsureEditable(d, ActionEditTask); err != nil {
		return -1, err
	}
	idx := findTask(d, taskID)
	if idx < 0 {
		return -1, ErrTaskNotFound
	}
	if d.Tasks[idx].Deleted {
		return -1, ValidationError{Field: "task", Reason: "task " + taskID + " is deleted"}
	}
	return idx, nil
}

func findTask(d domain.Deliverable, taskID string) int {
	for i, t := range d.Tasks {
		if t.ID == taskID {
			return i
		}
	}
	return -1
}

func nextSortOrder(tasks []domain.Task) int {
	highest := 0
	for _, t := range tasks {
		if t.SortOrder > highest {
			highest = t.SortOrder
		}
	}
	return highest + 1
}
