package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/engine"
	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// MirrorConfig configures a Mirror.
type MirrorConfig struct {
	// ClassPrefix is prepended to every index uid to form the class name.
	ClassPrefix string
	// Concurrency bounds the object writes of one task.
	Concurrency int
	// Buffer is the number of finished tasks that may wait for replication.
	Buffer int
}

type mirrorJob struct {
	task *models.Task
	mut  *models.Mutation
}

// Mirror replicates succeeded tasks into Weaviate. It is a queue observer:
// tasks are buffered and replayed in order by Run. Objects are always written
// from the committed document, so replace and merge additions replicate the
// same way.
type Mirror struct {
	client  ClientInterface
	engine  engine.Engine
	cfg     MirrorConfig
	logger  *slog.Logger
	jobs    chan mirrorJob
	classes *xsync.MapOf[string, struct{}]

	closeOnce sync.Once
	done      chan struct{}
}

// NewMirror creates a Mirror reading committed documents from e.
func NewMirror(client ClientInterface, e engine.Engine, cfg MirrorConfig, logger *slog.Logger) *Mirror {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		client:  client,
		engine:  e,
		cfg:     cfg,
		logger:  logger,
		jobs:    make(chan mirrorJob, cfg.Buffer),
		classes: xsync.NewMapOf[string, struct{}](),
		done:    make(chan struct{}),
	}
}

// TaskFinished queues a succeeded task for replication. It never blocks:
// when the buffer is full the task is dropped and logged.
func (m *Mirror) TaskFinished(task *models.Task, mut *models.Mutation) {
	if task.Status != models.TaskSucceeded || mut == nil {
		return
	}
	select {
	case m.jobs <- mirrorJob{task: task, mut: mut}:
	default:
		m.logger.Warn("weaviate mirror: buffer full, task dropped", "index", task.IndexUID, "task_id", task.ID)
	}
}

// Run replicates queued tasks until ctx is done or Close is called.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case job := <-m.jobs:
			m.run(ctx, job)
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			// replicate what was queued before Close
			for {
				select {
				case job := <-m.jobs:
					m.run(ctx, job)
				default:
					return nil
				}
			}
		}
	}
}

func (m *Mirror) run(ctx context.Context, job mirrorJob) {
	if err := m.Replicate(ctx, job.task, job.mut); err != nil {
		m.logger.Warn("weaviate mirror: replication failed",
			"index", job.task.IndexUID, "task_id", job.task.ID, "error", err)
	}
}

// Close makes Run return once the tasks queued so far are replicated.
// Tasks finishing after Close are not replicated.
func (m *Mirror) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Replicate applies one task's effect to Weaviate.
func (m *Mirror) Replicate(ctx context.Context, task *models.Task, mut *models.Mutation) error {
	uid := task.IndexUID
	class := ClassName(m.cfg.ClassPrefix, uid)

	switch mut.Kind {
	case models.MutationClear:
		m.classes.Delete(class)
		if err := m.client.DeleteClass(ctx, class); err != nil {
			return fmt.Errorf("delete class %s: %w", class, err)
		}
		return nil

	case models.MutationDelete:
		return m.forEach(ctx, mut.IDs, func(ctx context.Context, id string) error {
			return m.client.DeleteObject(ctx, class, ObjectID(uid, id))
		})

	case models.MutationAdd:
		if err := m.ensureClass(ctx, class); err != nil {
			return err
		}
		pk := mut.PrimaryKey
		if pk == "" {
			pk = task.Details.PrimaryKey
		}
		ids := make([]string, 0, len(mut.Documents))
		for _, doc := range mut.Documents {
			if id, ok := doc.DocumentID(pk); ok {
				ids = append(ids, id)
			}
		}
		return m.forEach(ctx, ids, func(ctx context.Context, id string) error {
			return m.sync(ctx, class, uid, id)
		})

	default:
		return fmt.Errorf("unknown mutation kind %q", mut.Kind)
	}
}

// sync writes the committed state of one document. A document deleted since
// the task ran is removed from the mirror as well.
func (m *Mirror) sync(ctx context.Context, class, uid, id string) error {
	doc, err := m.engine.Document(ctx, uid, id)
	if errors.Is(err, docerr.ErrDocumentNotFound) || errors.Is(err, docerr.ErrIndexNotFound) {
		return m.client.DeleteObject(ctx, class, ObjectID(uid, id))
	}
	if err != nil {
		return fmt.Errorf("read document %s: %w", id, err)
	}

	obj, err := toObject(class, uid, id, doc)
	if err != nil {
		return fmt.Errorf("convert document %s: %w", id, err)
	}

	exists, err := m.client.ObjectExists(ctx, class, obj.ID)
	if err != nil {
		return fmt.Errorf("check object %s: %w", obj.ID, err)
	}
	if exists {
		return m.client.UpdateObject(ctx, obj)
	}
	return m.client.CreateObject(ctx, obj)
}

func (m *Mirror) ensureClass(ctx context.Context, class string) error {
	if _, ok := m.classes.Load(class); ok {
		return nil
	}
	classes, err := m.client.GetClasses(ctx)
	if err != nil {
		return fmt.Errorf("list classes: %w", err)
	}
	for _, c := range classes {
		if c == class {
			m.classes.Store(class, struct{}{})
			return nil
		}
	}
	if err := m.client.CreateClass(ctx, class); err != nil {
		return fmt.Errorf("create class %s: %w", class, err)
	}
	m.classes.Store(class, struct{}{})
	m.logger.Info("weaviate mirror: created class", "class", class)
	return nil
}

// forEach runs fn for every id with bounded concurrency and returns the
// first error.
func (m *Mirror) forEach(ctx context.Context, ids []string, fn func(context.Context, string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			return fn(gctx, id)
		})
	}
	return g.Wait()
}
