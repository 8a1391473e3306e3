package link

import (
	"fmt"
	"sync"

	apperrors "github.com/infermux/infermux/internal/common/errors"
	"github.com/infermux/infermux/pkg/wire"
)

// Delivery is one demultiplexed item handed to a task's inbox: either an
// inbound worker frame or a terminal error.
type Delivery struct {
	Frame *wire.WorkerFrame
	Err   *apperrors.AppError
}

// Task is one dispatcher entry: the supervisor's inbox plus a done channel
// the supervisor closes when it exits, letting the demux loop detect a gone
// receiver without blocking forever.
type Task struct {
	ID    string
	Inbox chan Delivery
	done  chan struct{}
}

// NewTask allocates a dispatcher entry with the given inbox capacity.
func NewTask(id string, inboxSize int) *Task {
	return &Task{
		ID:    id,
		Inbox: make(chan Delivery, inboxSize),
		done:  make(chan struct{}),
	}
}

// Finish marks the task's receiver as gone. Safe to call once.
func (t *Task) Finish() {
	close(t.done)
}

// Done returns the channel closed when the receiver is gone.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Dispatcher maps task-ids to their supervisor inboxes within one session.
// Thread-safe; lookups return the shared entry, never a map reference.
type Dispatcher struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		tasks: make(map[string]*Task),
	}
}

// Insert registers a task. Fails with already exists if the id is present.
func (d *Dispatcher) Insert(t *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[t.ID]; exists {
		return apperrors.AlreadyExists(fmt.Sprintf("task '%s' already exists in dispatcher", t.ID))
	}
	d.tasks[t.ID] = t
	return nil
}

// Get returns the entry for a task-id, or nil if absent.
func (d *Dispatcher) Get(taskID string) *Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tasks[taskID]
}

// Remove deletes the entry only if it is still the given one. Idempotent
// with respect to the session's cleanup sweep. Returns true if removed.
func (d *Dispatcher) Remove(taskID string, t *Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tasks[taskID] == t {
		delete(d.tasks, taskID)
		return true
	}
	return false
}

// Snapshot returns all current entries.
func (d *Dispatcher) Snapshot() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// Clear removes all entries.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = make(map[string]*Task)
}

// Len returns the number of in-flight tasks.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tasks)
}
