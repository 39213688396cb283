package domain

import (
	"sort"
	"time"
	"unicode/utf8"
)

// Status is the lane a task belongs to.
type Status string

const (
	StatusToDo        Status = "To_Do"
	StatusInProgress  Status = "In_Progress"
	StatusUnderReview Status = "Under_Review"
	StatusCompleted   Status = "Completed"
)

// Statuses lists every status in board order.
var Statuses = []Status{StatusToDo, StatusInProgress, StatusUnderReview, StatusCompleted}

func (s Status) Valid() bool {
	switch s {
	case StatusToDo, StatusInProgress, StatusUnderReview, StatusCompleted:
		return true
	}
	return false
}

// Priority expresses how severe a task is.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityUrgent Priority = "Urgent"
)

func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// Rank orders priorities by severity, Urgent first. Unknown priorities rank -1.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return -1
}

// Task represents a single board item owned by one user.
type Task struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// TaskInput carries the user supplied fields of a create or full update.
// Nil Description or Deadline leaves the stored value untouched on update.
type TaskInput struct {
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

const minTitleLength = 2

// Validate checks the input field by field.
func (in TaskInput) Validate() error {
	var verr ValidationError
	if utf8.RuneCountInString(in.Title) < minTitleLength {
		verr.Add("title", "Title must be at least 2 characters.")
	}
	if !in.Status.Valid() {
		verr.Add("status", "Invalid status.")
	}
	if !in.Priority.Valid() {
		verr.Add("priority", "Invalid priority.")
	}
	return verr.OrNil()
}

// apply overwrites the task fields with the input.
func (in TaskInput) apply(t *Task) {
	t.Title = in.Title
	if in.Description != nil {
		t.Description = *in.Description
	}
	t.Status = in.Status
	t.Priority = in.Priority
	if in.Deadline != nil {
		d := *in.Deadline
		t.Deadline = &d
	}
}

// SortByPriority orders tasks Urgent, Medium, Low in place. Ties keep their relative order.
func SortByPriority(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority.Rank() < tasks[j].Priority.Rank()
	})
}
