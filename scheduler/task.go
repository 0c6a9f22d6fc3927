package scheduler

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"outfitapi/outfits"
	"outfitapi/prompts"
)

type TaskState string

const (
	StateQueued            TaskState = "queued"
	StateRunning           TaskState = "running"
	StatePartiallyComplete TaskState = "partially_complete"
	StateComplete          TaskState = "complete"
	StateFailed            TaskState = "failed"
	StateTimedOut          TaskState = "timed_out"
)

func (s TaskState) Terminal() bool {
	switch s {
	case StateComplete, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// GenerationJob is everything a worker needs to run one generation task.
type GenerationJob struct {
	UserID           uint
	PromptVersion    string
	Strategy         prompts.Strategy
	Input            prompts.RenderInput
	IncludeReasoning bool
	Streaming        bool
	Alert            bool
}

// Snapshot is an immutable view of a task. Readers always get a fully
// consistent snapshot; the worker publishes a fresh copy on every change.
type Snapshot struct {
	TaskID        string                 `json:"task_id"`
	UserID        uint                   `json:"-"`
	State         TaskState              `json:"state"`
	Percent       int                    `json:"percent"`
	Message       string                 `json:"message"`
	Records       []outfits.OutfitRecord `json:"records"`
	Reasoning     string                 `json:"reasoning,omitempty"`
	Attempt       int                    `json:"attempt"`
	Error         string                 `json:"error,omitempty"`
	PromptVersion string                 `json:"prompt_version"`
	CreatedAt     time.Time              `json:"created_at"`
	FinishedAt    time.Time              `json:"finished_at,omitzero"`
}

// NotFoundError covers both never-existed and already-evicted task IDs;
// after eviction the two are indistinguishable on purpose.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

type task struct {
	id  string
	job GenerationJob

	snapshot atomic.Pointer[Snapshot]

	mu     sync.Mutex
	events []ProgressEvent
	notify chan struct{}
}

func newTask(id string, job GenerationJob) *task {
	t := &task{
		id:     id,
		job:    job,
		notify: make(chan struct{}),
	}
	t.snapshot.Store(&Snapshot{
		TaskID:        id,
		UserID:        job.UserID,
		State:         StateQueued,
		Attempt:       1,
		PromptVersion: job.PromptVersion,
		CreatedAt:     time.Now(),
	})
	return t
}

func (t *task) current() Snapshot {
	return *t.snapshot.Load()
}

// publish swaps in an updated snapshot. Only the owning worker calls this,
// so a plain load-copy-store is race free.
func (t *task) publish(update func(s *Snapshot)) Snapshot {
	next := *t.snapshot.Load()
	next.Records = slices.Clone(next.Records)
	update(&next)
	t.snapshot.Store(&next)
	return next
}

// appendEvent adds an event to the log and wakes every waiting subscriber
// by closing the current notify channel.
func (t *task) appendEvent(ev ProgressEvent) {
	t.mu.Lock()
	t.events = append(t.events, ev)
	close(t.notify)
	t.notify = make(chan struct{})
	t.mu.Unlock()
}

// eventsSince returns the events appended after offset plus the channel
// that will be closed on the next append.
func (t *task) eventsSince(offset int) ([]ProgressEvent, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var pending []ProgressEvent
	if offset < len(t.events) {
		pending = slices.Clone(t.events[offset:])
	}
	return pending, t.notify
}
