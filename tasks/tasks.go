// Package tasks defines the durable representation of long-running
// operations: a keyed store of pollable tasks with a monotonic status state
// machine and keep-alive-driven expiry.
//
// An in-memory reference implementation lives in tasks/memory. Production
// deployments are expected to substitute a persistent implementation.
package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/streamware/mcp-session-go/mcp"
)

var (
	// ErrTaskExists indicates a task with the same ID already exists.
	ErrTaskExists = errors.New("task already exists")
	// ErrTaskNotFound indicates the task ID is unknown.
	ErrTaskNotFound = errors.New("task not found")
	// ErrResultNotReady indicates the task has not completed or stored no
	// result.
	ErrResultNotReady = errors.New("task result not available")
	// ErrInvalidCursor indicates a pagination cursor that matches no task.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrInvalidTransition indicates a status change that would move a task
	// out of a terminal state into a non-terminal one.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Task is a durable, pollable operation. Status moves monotonically toward a
// terminal state; once terminal, only terminal-to-terminal transitions are
// allowed (each one reschedules the keep-alive deletion timer).
type Task struct {
	TaskID        string
	Status        mcp.TaskStatus
	StatusMessage string
	CreatedAt     time.Time

	// KeepAlive, when set, is how long a terminal task is retained before
	// automatic deletion.
	KeepAlive *time.Duration
	// PollInterval suggests the client's polling cadence.
	PollInterval time.Duration

	// OriginRequestID is the JSON-RPC ID of the request that created the
	// task.
	OriginRequestID string
	// Request is the raw originating request, retained for replay and audit.
	Request []byte
}

// Wire converts the task to its wire representation.
func (t *Task) Wire() mcp.Task {
	w := mcp.Task{
		TaskID:        t.TaskID,
		Status:        t.Status,
		StatusMessage: t.StatusMessage,
		CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.KeepAlive != nil {
		ms := t.KeepAlive.Milliseconds()
		w.KeepAlive = &ms
	}
	if t.PollInterval > 0 {
		w.PollInterval = t.PollInterval.Milliseconds()
	}
	return w
}

// Store is the plug point consumed by the session engine to implement
// call-now/fetch-later semantics. All methods return defensive copies.
type Store interface {
	// CreateTask persists a new task in status submitted. It fails with
	// ErrTaskExists if the ID is taken.
	CreateTask(ctx context.Context, task *Task, originRequestID string, request []byte) error

	// GetTask returns a copy of the task. Status inspection is cheap and
	// side-effect free.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// UpdateTaskStatus moves the task's status. Reaching a terminal status
	// with a keep-alive set (re)starts the deletion timer; the timer is
	// cancelled and rescheduled, never stacked.
	UpdateTaskStatus(ctx context.Context, taskID string, status mcp.TaskStatus, statusMessage string) error

	// StoreTaskResult records the task's result payload. Result storage is
	// separate from status so polling stays cheap.
	StoreTaskResult(ctx context.Context, taskID string, result []byte) error

	// GetTaskResult returns the stored result. It fails with
	// ErrResultNotReady unless the task is completed and a result was
	// stored.
	GetTaskResult(ctx context.Context, taskID string) ([]byte, error)

	// ListTasks pages through tasks in insertion order. The cursor is the
	// last-returned task ID; an unknown cursor fails with ErrInvalidCursor
	// rather than silently resetting.
	ListTasks(ctx context.Context, cursor string) ([]*Task, string, error)

	// DeleteTask removes the task, cancelling any pending deletion timer.
	DeleteTask(ctx context.Context, taskID string) error
}
