package model

import "time"

// Kind identifies which table a synced record lives in.
type Kind string

const (
	KindTask    Kind = "task"
	KindSubtask Kind = "subtask"
)

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	return k == KindTask || k == KindSubtask
}

// Task statuses used by the board.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"
)

// Task is the subset of a task or subtask row the calendar sync reads and writes.
type Task struct {
	ID          string
	Kind        Kind
	UserID      string
	ParentID    string // subtasks only
	Title       string
	Description string
	Status      string
	Priority    int    // 0-4
	DueDate     string // may carry a time component, only the date portion is used
	DueTime     string // optional wall clock, HH:MM or HH:MM:SS
	Duration    int    // minutes, 0 when unset
	// ExternalEventID is empty when no calendar event exists for the record.
	ExternalEventID string
	// SyncVersion is bumped by every linkage write and guards them.
	SyncVersion int64
	UpdatedAt   time.Time
}

// Synced reports whether the record is linked to a calendar event.
func (t *Task) Synced() bool {
	return t.ExternalEventID != ""
}

// TaskFields is a plain field edit. Nil pointers leave the column untouched.
type TaskFields struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	DueTime     *string `json:"due_time,omitempty"`
	Duration    *int    `json:"duration,omitempty"`
}

// Empty reports whether the edit changes nothing.
func (f TaskFields) Empty() bool {
	return f.Title == nil && f.Description == nil && f.Status == nil && f.Priority == nil &&
		f.DueDate == nil && f.DueTime == nil && f.Duration == nil
}

// Link is the local half of a record/event linkage.
type Link struct {
	TaskID          string
	Kind            Kind
	ExternalEventID string
	Status          string
}
