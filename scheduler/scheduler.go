package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"outfitapi/services"
)

var (
	ErrQueueFull = errors.New("generation queue is full")
	ErrStopped   = errors.New("scheduler is stopped")
)

// Notifier is called once per task when it reaches a terminal state, for
// optional completion push alerts.
type Notifier func(userID uint, taskID string, state TaskState, outfitCount int)

type Config struct {
	Workers         int
	QueueSize       int
	MaxAttempts     int
	RetryBackoff    time.Duration
	TaskBudget      time.Duration
	RetentionTTL    time.Duration
	JanitorInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.TaskBudget <= 0 {
		c.TaskBudget = 90 * time.Second
	}
	if c.RetentionTTL <= 0 {
		c.RetentionTTL = 15 * time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
	return c
}

// Scheduler runs generation tasks on an in-process worker pool and keeps
// their state in memory. Task state is served from atomic snapshots, so
// polling never blocks a running worker.
type Scheduler struct {
	cfg      Config
	llm      services.OutfitLLM
	catalog  services.CatalogProvider
	profile  services.ProfileProvider
	notifier Notifier

	mu    sync.RWMutex
	tasks map[string]*task

	queue    chan *task
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, llm services.OutfitLLM, catalog services.CatalogProvider, profile services.ProfileProvider) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:     cfg,
		llm:     llm,
		catalog: catalog,
		profile: profile,
		tasks:   map[string]*task{},
		queue:   make(chan *task, cfg.QueueSize),
		stop:    make(chan struct{}),
	}
}

// SetNotifier installs the completion alert hook. Call before Start.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Scheduler) Start() {
	for range s.cfg.Workers {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.janitor()
	log.Printf("[Scheduler] started with %d workers", s.cfg.Workers)
}

// Stop shuts down workers, then fails every task still sitting in the
// queue so nothing is left non-terminal. In-flight attempts finish their
// current call.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
	for {
		select {
		case t := <-s.queue:
			s.finish(t, StateFailed, ErrStopped)
		default:
			return
		}
	}
}

// Submit queues a job without blocking. When the queue is full the task is
// rejected outright rather than accepted into an unbounded backlog.
func (s *Scheduler) Submit(job GenerationJob) (string, error) {
	select {
	case <-s.stop:
		return "", ErrStopped
	default:
	}

	t := newTask(uuid.NewString(), job)
	t.appendEvent(ProgressEvent{Kind: EventProgress, Percent: 0, Message: "queued"})

	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()

	select {
	case s.queue <- t:
		return t.id, nil
	default:
		s.mu.Lock()
		delete(s.tasks, t.id)
		s.mu.Unlock()
		return "", ErrQueueFull
	}
}

// Status returns the task's current snapshot.
func (s *Scheduler) Status(taskID string) (Snapshot, error) {
	s.mu.RLock()
	t, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, &NotFoundError{TaskID: taskID}
	}
	return t.current(), nil
}

// Subscribe replays the task's full event log and then delivers new events
// as they happen. The channel closes after the terminal event, or when the
// subscriber's context ends.
func (s *Scheduler) Subscribe(ctx context.Context, taskID string) (<-chan ProgressEvent, error) {
	s.mu.RLock()
	t, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{TaskID: taskID}
	}

	out := make(chan ProgressEvent, 16)
	go func() {
		defer close(out)
		offset := 0
		for {
			pending, notify := t.eventsSince(offset)
			for _, ev := range pending {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				offset++
				if ev.Terminal() {
					return
				}
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
	return out, nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case t := <-s.queue:
			s.runTask(t)
		}
	}
}

// janitor evicts terminal tasks once their retention window passes, so the
// in-memory map does not grow forever.
func (s *Scheduler) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired(time.Now())
		}
	}
}

func (s *Scheduler) evictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		snap := t.current()
		if snap.State.Terminal() && now.Sub(snap.FinishedAt) > s.cfg.RetentionTTL {
			delete(s.tasks, id)
		}
	}
}
