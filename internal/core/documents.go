// Package core turns document write requests into queued mutations.
//
// Everything that can be rejected synchronously is rejected here, before a
// task exists: unsupported content, malformed payloads and documents whose
// identity cannot be resolved.
package core

import (
	"context"
	"io"
	"log/slog"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/engine"
	"github.com/kilupskalvis/docgate/internal/identity"
	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/kilupskalvis/docgate/internal/payload"
	"github.com/kilupskalvis/docgate/internal/queue"
)

// Enqueuer accepts mutations for asynchronous application.
type Enqueuer interface {
	Enqueue(ctx context.Context, uid string, prepare queue.PrepareFunc) (*models.Task, error)
}

// DocumentService validates write requests and hands them to the queue.
type DocumentService struct {
	queue  Enqueuer
	engine engine.Engine
	logger *slog.Logger
}

// NewDocumentService creates a DocumentService. The engine is only read, to
// check that a single document exists before deleting it.
func NewDocumentService(q Enqueuer, e engine.Engine, logger *slog.Logger) *DocumentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentService{queue: q, engine: e, logger: logger}
}

// AddRequest is a batch addition or update.
type AddRequest struct {
	IndexUID    string
	ContentType payload.ContentType
	Body        io.Reader
	// PrimaryKey is the explicit key, empty to use the established or inferred one.
	PrimaryKey string
	Method     models.Method
}

// AddDocuments decodes the whole payload, resolves its identity against the
// index's projected primary key and enqueues it.
func (s *DocumentService) AddDocuments(ctx context.Context, req AddRequest) (*models.Task, error) {
	if err := checkUID(req.IndexUID); err != nil {
		return nil, err
	}
	if req.Method != models.MethodReplace && req.Method != models.MethodMerge {
		return nil, docerr.New(docerr.CodeInternal, "unknown update method %q", req.Method)
	}

	docs, err := payload.Decode(req.ContentType, req.Body)
	if err != nil {
		return nil, err
	}

	task, err := s.queue.Enqueue(ctx, req.IndexUID, func(projected string) (*models.Mutation, models.TaskDetails, error) {
		batch, err := identity.Resolve(projected, req.PrimaryKey, req.Method, docs)
		if err != nil {
			return nil, models.TaskDetails{}, err
		}
		details := models.TaskDetails{
			ReceivedDocuments: batch.Received,
			PrimaryKey:        batch.PrimaryKey,
		}
		return models.NewAddition(req.Method, batch.PrimaryKey, batch.Documents, batch.Received), details, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("documents accepted", "index", req.IndexUID, "task_id", task.ID, "documents", len(docs), "method", req.Method)
	return task, nil
}

// DeleteDocument enqueues the deletion of one document. The document must be
// committed when the request arrives.
func (s *DocumentService) DeleteDocument(ctx context.Context, uid, rawID string) (*models.Task, error) {
	if err := checkUID(uid); err != nil {
		return nil, err
	}
	id, ok := models.CanonicalIDValue(rawID)
	if !ok {
		return nil, docerr.New(docerr.CodeInvalidDocumentID,
			"document id `%s` must contain only alphanumeric characters, hyphens and underscores", rawID)
	}
	if _, err := s.engine.Document(ctx, uid, id); err != nil {
		return nil, err
	}
	return s.enqueueIDs(ctx, uid, []string{id})
}

// DeleteDocuments enqueues the deletion of a batch of ids read from body.
// Ids that do not exist are ignored when the task runs.
func (s *DocumentService) DeleteDocuments(ctx context.Context, uid string, body io.Reader) (*models.Task, error) {
	if err := checkUID(uid); err != nil {
		return nil, err
	}
	ids, err := payload.DecodeIDs(body)
	if err != nil {
		return nil, err
	}
	return s.enqueueIDs(ctx, uid, identity.UniqueIDs(ids))
}

func (s *DocumentService) enqueueIDs(ctx context.Context, uid string, ids []string) (*models.Task, error) {
	return s.queue.Enqueue(ctx, uid, func(string) (*models.Mutation, models.TaskDetails, error) {
		return models.NewDeletion(ids), models.TaskDetails{ProvidedIDs: len(ids)}, nil
	})
}

// ClearDocuments enqueues the removal of every document of the index. The
// primary key is reset, so the next addition may pick a new one.
func (s *DocumentService) ClearDocuments(ctx context.Context, uid string) (*models.Task, error) {
	if err := checkUID(uid); err != nil {
		return nil, err
	}
	return s.queue.Enqueue(ctx, uid, func(string) (*models.Mutation, models.TaskDetails, error) {
		return models.NewClear(), models.TaskDetails{}, nil
	})
}

func checkUID(uid string) error {
	if !models.ValidIndexUID(uid) {
		return docerr.New(docerr.CodeInvalidIndexUID,
			"`%s` is not a valid index uid: use 1 to 400 alphanumeric characters, hyphens and underscores", uid)
	}
	return nil
}
