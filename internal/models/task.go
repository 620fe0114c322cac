package models

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskEnqueued   TaskStatus = "enqueued"
	TaskProcessing TaskStatus = "processing"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// CanTransition reports whether s may move to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskEnqueued:
		// a task that cannot be started fails without running
		return next == TaskProcessing || next == TaskFailed
	case TaskProcessing:
		return next == TaskSucceeded || next == TaskFailed
	default:
		return false
	}
}

// ParseTaskStatus validates a status string.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch st := TaskStatus(s); st {
	case TaskEnqueued, TaskProcessing, TaskSucceeded, TaskFailed:
		return st, true
	}
	return "", false
}

// TaskType names the kind of mutation a task tracks.
type TaskType string

const (
	TaskDocumentAddition TaskType = "documentAddition"
	TaskDocumentPartial  TaskType = "documentPartial"
	TaskDocumentDeletion TaskType = "documentDeletion"
	TaskDocumentClear    TaskType = "documentClear"
)

// TaskDetails summarizes what a task did.
type TaskDetails struct {
	ReceivedDocuments int    `json:"receivedDocuments,omitempty"`
	IndexedDocuments  int    `json:"indexedDocuments,omitempty"`
	ProvidedIDs       int    `json:"providedIds,omitempty"`
	DeletedDocuments  int    `json:"deletedDocuments,omitempty"`
	PrimaryKey        string `json:"primaryKey,omitempty"`
}

// TaskError is the failure recorded on a failed task.
type TaskError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Document *int   `json:"document,omitempty"`
}

// Task is the status record of one accepted mutation.
type Task struct {
	ID         uint64      `json:"taskId"`
	IndexUID   string      `json:"indexUid"`
	Type       TaskType    `json:"type"`
	Status     TaskStatus  `json:"status"`
	Details    TaskDetails `json:"details"`
	Error      *TaskError  `json:"error,omitempty"`
	Attempts   int         `json:"attempts,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
	StartedAt  *time.Time  `json:"startedAt,omitempty"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}

// Clone returns a copy safe to hand to another goroutine.
func (t *Task) Clone() *Task {
	c := *t
	if t.Error != nil {
		e := *t.Error
		if t.Error.Document != nil {
			d := *t.Error.Document
			e.Document = &d
		}
		c.Error = &e
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

// TaskHandle is the summary returned when a mutation is accepted.
type TaskHandle struct {
	TaskID     uint64     `json:"taskId"`
	IndexUID   string     `json:"indexUid"`
	Status     TaskStatus `json:"status"`
	Type       TaskType   `json:"type"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
}

// Handle returns the accepted-task summary.
func (t *Task) Handle() *TaskHandle {
	return &TaskHandle{
		TaskID:     t.ID,
		IndexUID:   t.IndexUID,
		Status:     t.Status,
		Type:       t.Type,
		EnqueuedAt: t.EnqueuedAt,
	}
}
