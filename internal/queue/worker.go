package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/models"
)

// work applies the tasks of q one at a time until q is empty or the manager
// is closed.
func (m *Manager) work(q *indexQueue) {
	defer m.workers.Done()
	m.metrics.workers.Inc()
	defer m.metrics.workers.Dec()

	for {
		q.mu.Lock()
		if m.closed.Load() {
			q.running = false
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.running = false
			q.retired = true
			q.mu.Unlock()
			m.registry.Delete(q.uid)
			return
		}
		next := q.pending[0]
		q.pending[0] = entry{}
		q.pending = q.pending[1:]
		q.current = next.mutation
		q.mu.Unlock()

		m.metrics.pending.Dec()
		applied := m.process(q.uid, next)
		m.finish(q, applied)
	}
}

// finish clears the current mutation of q. A mutation that was not applied
// leaves the committed key as it was, so the projection is rebuilt from it.
func (m *Manager) finish(q *indexQueue, applied bool) {
	var (
		committed string
		err       error
	)
	if !applied {
		committed, err = m.committedKey(context.Background(), q.uid)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = nil
	if applied {
		return
	}
	if err != nil {
		m.logger.Warn("failed to reload primary key", "index", q.uid, "error", err)
		q.projectedLoaded = false
		return
	}
	q.reproject(committed)
}

// process runs a single task to a terminal status and reports whether its
// mutation was applied. Nothing that goes wrong here escapes to the worker loop.
func (m *Manager) process(uid string, e entry) bool {
	ctx := context.Background()
	logger := m.logger.With("index", uid, "task_id", e.task.ID, "type", e.task.Type)

	if _, err := m.tasks.Transition(ctx, uid, e.task.ID, models.TaskProcessing, nil); err != nil {
		logger.Error("failed to start task", "error", err)
		final, ferr := m.tasks.Transition(ctx, uid, e.task.ID, models.TaskFailed, func(t *models.Task) {
			t.Error = taskError(docerr.Internal(fmt.Errorf("start task: %w", err)))
		})
		if ferr != nil {
			logger.Error("failed to record task outcome", "error", ferr)
			return false
		}
		m.metrics.finished.WithLabelValues(string(final.Type), string(final.Status)).Inc()
		m.notify(final, e.mutation)
		return false
	}

	start := time.Now()
	out, applyErr := m.apply(ctx, uid, e.mutation)
	m.metrics.applyDuration.WithLabelValues(string(e.task.Type)).Observe(time.Since(start).Seconds())

	var (
		final *models.Task
		err   error
	)
	if applyErr != nil {
		logger.Warn("task failed", "error", applyErr, "code", docerr.CodeOf(applyErr))
		final, err = m.tasks.Transition(ctx, uid, e.task.ID, models.TaskFailed, func(t *models.Task) {
			t.Error = taskError(applyErr)
		})
	} else {
		logger.Debug("task succeeded", "indexed", out.Indexed, "deleted", out.Deleted)
		final, err = m.tasks.Transition(ctx, uid, e.task.ID, models.TaskSucceeded, func(t *models.Task) {
			t.Details.IndexedDocuments = out.Indexed
			t.Details.DeletedDocuments = out.Deleted
			if e.mutation.Kind == models.MutationAdd {
				t.Details.PrimaryKey = out.PrimaryKey
			}
		})
	}
	if err != nil {
		logger.Error("failed to record task outcome", "error", err)
		return applyErr == nil
	}

	m.metrics.finished.WithLabelValues(string(final.Type), string(final.Status)).Inc()
	m.notify(final, e.mutation)
	return applyErr == nil
}

// apply calls the engine, turning a panic into an internal error.
func (m *Manager) apply(ctx context.Context, uid string, mut *models.Mutation) (out *models.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = docerr.Internal(fmt.Errorf("panic while applying mutation: %v", r))
		}
	}()
	out, err = m.engine.Apply(ctx, uid, mut)
	if err == nil && out == nil {
		out = &models.Outcome{}
	}
	return out, err
}

func taskError(err error) *models.TaskError {
	te := &models.TaskError{Code: string(docerr.CodeOf(err)), Message: err.Error()}
	var de *docerr.Error
	if errors.As(err, &de) && de.Document >= 0 {
		doc := de.Document
		te.Document = &doc
	}
	return te
}

func (m *Manager) notify(task *models.Task, mut *models.Mutation) {
	for _, o := range m.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("task observer panicked", "error", r, "index", task.IndexUID, "task_id", task.ID)
				}
			}()
			o.TaskFinished(task.Clone(), mut)
		}()
	}
}
