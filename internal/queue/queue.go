// Package queue serializes the mutations of each index.
//
// Every index with pending work has one entry in a concurrent registry, holding
// a FIFO of accepted tasks and at most one worker goroutine. The worker is
// started by the first enqueue and exits, removing the entry, once the FIFO is
// drained. Different indexes never wait on each other.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/engine"
	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/kilupskalvis/docgate/internal/tasks"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue is closed")

// PrepareFunc builds the mutation to enqueue. It receives the primary key the
// index will have once everything already queued is applied, and runs while
// no other submission to the same index can be accepted. An error rejects the
// submission without creating a task.
type PrepareFunc func(projectedKey string) (*models.Mutation, models.TaskDetails, error)

// Observer is told about every task that reaches a terminal status.
// Implementations must not block.
type Observer interface {
	TaskFinished(task *models.Task, m *models.Mutation)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(task *models.Task, m *models.Mutation)

// TaskFinished calls f.
func (f ObserverFunc) TaskFinished(task *models.Task, m *models.Mutation) {
	f(task, m)
}

// TaskStore records tasks and their pending mutations. *tasks.Store
// implements it.
type TaskStore interface {
	Create(ctx context.Context, uid string, m *models.Mutation, details models.TaskDetails) (*models.Task, error)
	Transition(ctx context.Context, uid string, id uint64, next models.TaskStatus, update func(*models.Task)) (*models.Task, error)
	Recover(ctx context.Context) (map[string][]tasks.Recovered, error)
}

// Config holds the dependencies of a Manager.
type Config struct {
	Engine    engine.Engine
	Tasks     TaskStore
	Metrics   *Metrics
	Observers []Observer
	Logger    *slog.Logger
}

// Manager owns the per-index queues and their workers.
type Manager struct {
	engine    engine.Engine
	tasks     TaskStore
	metrics   *Metrics
	observers []Observer
	logger    *slog.Logger

	registry *xsync.MapOf[string, *indexQueue]
	closed   atomic.Bool
	workers  sync.WaitGroup
}

type entry struct {
	task     *models.Task
	mutation *models.Mutation
}

type indexQueue struct {
	uid string

	mu      sync.Mutex
	pending []entry
	running bool
	retired bool
	// current is the mutation the worker is applying.
	current *models.Mutation

	// projected is the primary key once current and pending are applied.
	projected       string
	projectedLoaded bool
}

// reproject recomputes the projected key from the committed one.
func (q *indexQueue) reproject(committed string) {
	key := committed
	if q.current != nil {
		key = nextKey(key, q.current)
	}
	for _, e := range q.pending {
		key = nextKey(key, e.mutation)
	}
	q.projected = key
	q.projectedLoaded = true
}

// nextKey returns the primary key after mut is applied to an index keyed by key.
func nextKey(key string, mut *models.Mutation) string {
	switch mut.Kind {
	case models.MutationAdd:
		if key == "" {
			return mut.PrimaryKey
		}
	case models.MutationClear:
		return ""
	}
	return key
}

// New creates a Manager. Call Start before accepting submissions.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Manager{
		engine:    cfg.Engine,
		tasks:     cfg.Tasks,
		metrics:   metrics,
		observers: cfg.Observers,
		logger:    logger,
		registry:  xsync.NewMapOf[string, *indexQueue](),
	}
}

// Start re-queues every task left unfinished by a previous run, per index in
// id order, and starts their workers.
func (m *Manager) Start(ctx context.Context) error {
	recovered, err := m.tasks.Recover(ctx)
	if err != nil {
		return err
	}
	for uid, list := range recovered {
		key, err := m.committedKey(ctx, uid)
		if err != nil {
			return fmt.Errorf("load primary key of %s: %w", uid, err)
		}
		q := m.acquire(uid)
		for _, r := range list {
			q.pending = append(q.pending, entry{task: r.Task, mutation: r.Mutation})
			m.metrics.pending.Inc()
		}
		q.reproject(key)
		m.logger.Info("recovered unfinished tasks", "index", uid, "count", len(list))
		m.startLocked(q)
		q.mu.Unlock()
	}
	return nil
}

// acquire returns the live queue of uid, locked.
func (m *Manager) acquire(uid string) *indexQueue {
	for {
		q, _ := m.registry.LoadOrCompute(uid, func() *indexQueue {
			return &indexQueue{uid: uid}
		})
		q.mu.Lock()
		if !q.retired {
			return q
		}
		// The worker is removing this entry; a fresh one follows.
		q.mu.Unlock()
		runtime.Gosched()
	}
}

// Enqueue accepts a mutation for uid and returns its task without waiting for
// it to be applied. Tasks of one index are applied in the order Enqueue
// returned them.
func (m *Manager) Enqueue(ctx context.Context, uid string, prepare PrepareFunc) (*models.Task, error) {
	if m.closed.Load() {
		return nil, docerr.Wrap(docerr.CodeEngineUnavailable, ErrClosed, "the server is shutting down")
	}

	q := m.acquire(uid)
	defer q.mu.Unlock()

	if m.closed.Load() {
		return nil, docerr.Wrap(docerr.CodeEngineUnavailable, ErrClosed, "the server is shutting down")
	}

	if !q.projectedLoaded {
		key, err := m.committedKey(ctx, uid)
		if err != nil {
			return nil, err
		}
		q.reproject(key)
	}

	mut, details, err := prepare(q.projected)
	if err != nil {
		return nil, err
	}

	task, err := m.tasks.Create(ctx, uid, mut, details)
	if err != nil {
		return nil, docerr.Internal(err)
	}

	q.projected = nextKey(q.projected, mut)
	q.pending = append(q.pending, entry{task: task, mutation: mut})
	m.metrics.enqueued.WithLabelValues(string(task.Type)).Inc()
	m.metrics.pending.Inc()
	m.logger.Debug("task enqueued", "index", uid, "task_id", task.ID, "type", task.Type)

	m.startLocked(q)
	return task.Clone(), nil
}

func (m *Manager) committedKey(ctx context.Context, uid string) (string, error) {
	info, err := m.engine.Index(ctx, uid)
	if errors.Is(err, docerr.ErrIndexNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.PrimaryKey, nil
}

// startLocked starts the worker of q if it is not running. q.mu must be held.
func (m *Manager) startLocked(q *indexQueue) {
	if q.running || len(q.pending) == 0 {
		return
	}
	q.running = true
	m.workers.Add(1)
	go m.work(q)
}

// Close stops accepting submissions and waits for running workers to finish
// their current task. Tasks still queued are picked up by the next Start.
func (m *Manager) Close() {
	m.closed.Store(true)
	m.workers.Wait()
}

// Active returns the number of indexes with a live queue.
func (m *Manager) Active() int {
	return m.registry.Size()
}
