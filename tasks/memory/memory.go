// Package memory provides the in-memory reference implementation of
// tasks.Store. State is process-local; it is suitable for single-node
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/streamware/mcp-session-go/mcp"
	"github.com/streamware/mcp-session-go/tasks"
)

const defaultPageSize = 10

type record struct {
	task      tasks.Task
	result    []byte
	hasResult bool
	timer     clockwork.Timer
}

// Store implements tasks.Store with mutex-protected maps and
// clockwork-driven keep-alive timers.
type Store struct {
	clock    clockwork.Clock
	pageSize int

	mu      sync.Mutex
	records map[string]*record
	order   []string
}

var _ tasks.Store = (*Store)(nil)

// Option configures the store.
type Option func(*Store)

// WithClock substitutes the wall clock, letting tests drive keep-alive expiry
// deterministically.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithPageSize overrides the ListTasks page size. Defaults to 10.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New creates an empty in-memory task store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:    clockwork.NewRealClock(),
		pageSize: defaultPageSize,
		records:  make(map[string]*record),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) CreateTask(ctx context.Context, task *tasks.Task, originRequestID string, request []byte) error {
	if task == nil || task.TaskID == "" {
		return fmt.Errorf("task id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[task.TaskID]; exists {
		return tasks.ErrTaskExists
	}

	rec := &record{task: *task}
	rec.task.OriginRequestID = originRequestID
	rec.task.Request = append([]byte(nil), request...)
	if rec.task.Status == "" {
		rec.task.Status = mcp.TaskStatusSubmitted
	}
	if rec.task.CreatedAt.IsZero() {
		rec.task.CreatedAt = s.clock.Now()
	}
	if task.KeepAlive != nil {
		ka := *task.KeepAlive
		rec.task.KeepAlive = &ka
	}

	s.records[task.TaskID] = rec
	s.order = append(s.order, task.TaskID)
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok {
		return nil, tasks.ErrTaskNotFound
	}
	return copyTask(&rec.task), nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status mcp.TaskStatus, statusMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok {
		return tasks.ErrTaskNotFound
	}
	if rec.task.Status.IsTerminal() && !status.IsTerminal() {
		return tasks.ErrInvalidTransition
	}

	rec.task.Status = status
	rec.task.StatusMessage = statusMessage

	// Reaching a terminal state with a keep-alive (re)arms the deletion
	// timer: cancel-then-reschedule, never additive.
	if status.IsTerminal() && rec.task.KeepAlive != nil {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		id := taskID
		rec.timer = s.clock.AfterFunc(*rec.task.KeepAlive, func() {
			s.expire(id)
		})
	}
	return nil
}

func (s *Store) StoreTaskResult(ctx context.Context, taskID string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok {
		return tasks.ErrTaskNotFound
	}
	rec.result = append([]byte(nil), result...)
	rec.hasResult = true
	return nil
}

func (s *Store) GetTaskResult(ctx context.Context, taskID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok {
		return nil, tasks.ErrTaskNotFound
	}
	if rec.task.Status != mcp.TaskStatusCompleted || !rec.hasResult {
		return nil, tasks.ErrResultNotReady
	}
	return append([]byte(nil), rec.result...), nil
}

func (s *Store) ListTasks(ctx context.Context, cursor string) ([]*tasks.Task, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if cursor != "" {
		found := false
		for i, id := range s.order {
			if id == cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, "", tasks.ErrInvalidCursor
		}
	}

	page := make([]*tasks.Task, 0, s.pageSize)
	var last string
	for i := start; i < len(s.order) && len(page) < s.pageSize; i++ {
		rec, ok := s.records[s.order[i]]
		if !ok {
			// Deleted entry still present in the order slice; skip.
			continue
		}
		page = append(page, copyTask(&rec.task))
		last = rec.task.TaskID
	}

	next := ""
	if last != "" {
		// More entries behind the page boundary mean another page exists.
		for i := indexOf(s.order, last) + 1; i < len(s.order); i++ {
			if _, ok := s.records[s.order[i]]; ok {
				next = last
				break
			}
		}
	}
	return page, next, nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok {
		return tasks.ErrTaskNotFound
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(s.records, taskID)
	s.removeFromOrder(taskID)
	return nil
}

// expire removes a task whose keep-alive elapsed.
func (s *Store) expire(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[taskID]; !ok {
		return
	}
	delete(s.records, taskID)
	s.removeFromOrder(taskID)
}

func (s *Store) removeFromOrder(taskID string) {
	for i, id := range s.order {
		if id == taskID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func copyTask(t *tasks.Task) *tasks.Task {
	cp := *t
	if t.KeepAlive != nil {
		ka := *t.KeepAlive
		cp.KeepAlive = &ka
	}
	cp.Request = append([]byte(nil), t.Request...)
	return &cp
}
