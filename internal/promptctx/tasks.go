package promptctx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Task statuses. Transitions only advance: pending goes to in_progress,
// in_progress goes to completed or failed. Nothing moves backwards.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

var (
	// ErrUnknownTask indicates the task id is not in the queue.
	ErrUnknownTask = errors.New("unknown task")

	// ErrBadTransition indicates a status change that does not advance.
	ErrBadTransition = errors.New("illegal task transition")
)

// Task is one queue entry. Description is immutable once written.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at"`
}

// taskList is the on-disk shape of .agent/task-list.json.
type taskList struct {
	PromptFile     string  `json:"prompt_file"`
	TotalTasks     int     `json:"total_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	Tasks          []*Task `json:"tasks"`
}

// AddTask appends a pending task and returns its id.
func (m *ContextManager) AddTask(description string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.tasks = append(m.tasks, &Task{ID: id, Description: description, Status: TaskPending})
	return id, m.saveTasksLocked()
}

// PromoteTask moves a pending task to in_progress.
func (m *ContextManager) PromoteTask(id string) error {
	return m.transition(id, TaskPending, TaskInProgress, false)
}

// CompleteTask moves an in_progress task to completed and stamps it.
func (m *ContextManager) CompleteTask(id string) error {
	return m.transition(id, TaskInProgress, TaskCompleted, true)
}

// FailTask moves an in_progress task to failed.
func (m *ContextManager) FailTask(id string) error {
	return m.transition(id, TaskInProgress, TaskFailed, true)
}

func (m *ContextManager) transition(id, from, to string, stamp bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.findLocked(id)
	if task == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if task.Status != from {
		return fmt.Errorf("%w: %s is %s, cannot become %s", ErrBadTransition, id, task.Status, to)
	}
	task.Status = to
	if stamp {
		now := time.Now().UTC()
		task.CompletedAt = &now
	}
	return m.saveTasksLocked()
}

// Tasks returns a copy of the queue.
func (m *ContextManager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

func (m *ContextManager) findLocked(id string) *Task {
	for _, t := range m.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (m *ContextManager) saveTasksLocked() error {
	if m.taskPath == "" {
		return nil
	}
	completed := 0
	for _, t := range m.tasks {
		if t.Status == TaskCompleted {
			completed++
		}
	}
	list := taskList{
		PromptFile:     m.promptPath,
		TotalTasks:     len(m.tasks),
		CompletedTasks: completed,
		Tasks:          m.tasks,
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding task list: %w", err)
	}
	if err := os.WriteFile(m.taskPath, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing task list: %w", err)
	}
	return nil
}

func (m *ContextManager) loadTasks() error {
	data, err := os.ReadFile(m.taskPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading task list: %w", err)
	}
	var list taskList
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decoding task list: %w", err)
	}
	m.tasks = list.Tasks
	return nil
}
