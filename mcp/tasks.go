package mcp

import "encoding/json"

// TaskStatus is the lifecycle state of a long-running operation.
type TaskStatus string

const (
	TaskStatusSubmitted TaskStatus = "submitted"
	TaskStatusWorking   TaskStatus = "working"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is the wire representation of a pollable operation.
type Task struct {
	TaskID        string     `json:"taskId"`
	Status        TaskStatus `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	CreatedAt     string     `json:"createdAt,omitempty"`
	// KeepAlive is the number of milliseconds a terminal task is retained
	// before automatic deletion. Absent means the task is kept until deleted
	// explicitly.
	KeepAlive *int64 `json:"keepAlive,omitempty"`
	// PollInterval suggests how frequently (milliseconds) the client should
	// poll tasks/get.
	PollInterval int64 `json:"pollInterval,omitempty"`
}

// TaskMetadata is attached to a request's params to ask for call-now/
// fetch-later semantics.
type TaskMetadata struct {
	TaskID    string `json:"taskId"`
	KeepAlive *int64 `json:"keepAlive,omitempty"`
}

// CreateTaskResult acknowledges a task-augmented request.
type CreateTaskResult struct {
	Task Task `json:"task"`
}

// GetTaskParams identifies a task for tasks/get, tasks/result, and
// tasks/cancel.
type GetTaskParams struct {
	TaskID string `json:"taskId"`
}

// ListTasksParams pages through tasks.
type ListTasksParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListTasksResult is one page of tasks.
type ListTasksResult struct {
	Tasks      []Task `json:"tasks"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// TaskAugmentation extracts the task metadata from raw request params, if
// present. Requests without a task field return (nil, nil).
func TaskAugmentation(params json.RawMessage) (*TaskMetadata, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var probe struct {
		Task *TaskMetadata `json:"task"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return nil, err
	}
	return probe.Task, nil
}
