package core

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/engine"
	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/kilupskalvis/docgate/internal/payload"
	"github.com/kilupskalvis/docgate/internal/queue"
	"github.com/kilupskalvis/docgate/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	svc    *DocumentService
	engine *engine.SQLite
	tasks  *tasks.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	eng, err := engine.OpenSQLite(filepath.Join(dir, "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	store, err := tasks.Open(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := queue.New(queue.Config{Engine: eng, Tasks: store, Logger: logger})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Close)

	return &testEnv{svc: NewDocumentService(m, eng, logger), engine: eng, tasks: store}
}

func (e *testEnv) add(t *testing.T, uid string, method models.Method, body string) (*models.Task, error) {
	t.Helper()
	return e.svc.AddDocuments(context.Background(), AddRequest{
		IndexUID:    uid,
		ContentType: payload.JSON,
		Body:        strings.NewReader(body),
		Method:      method,
	})
}

func (e *testEnv) wait(t *testing.T, task *models.Task) *models.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done, err := e.tasks.Wait(ctx, task.IndexUID, task.ID)
	require.NoError(t, err)
	return done
}

func (e *testEnv) taskCount(t *testing.T, uid string) int {
	t.Helper()
	list, err := e.tasks.List(context.Background(), uid, 0, 100, "")
	require.NoError(t, err)
	return len(list)
}

func TestAddDocuments_ReplaceThenMerge(t *testing.T) {
	env := newTestEnv(t)

	env.wait(t, mustTask(t)(env.add(t, "idx", models.MethodReplace, `[{"id":1,"a":1,"b":2}]`)))
	done := env.wait(t, mustTask(t)(env.add(t, "idx", models.MethodMerge, `[{"id":1,"b":3}]`)))
	assert.Equal(t, models.TaskSucceeded, done.Status)
	assert.Equal(t, models.TaskDocumentPartial, done.Type)

	doc, err := env.engine.Document(context.Background(), "idx", "1")
	require.NoError(t, err)
	data, err := doc.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"a":1,"b":3}`, string(data))

	env.wait(t, mustTask(t)(env.add(t, "idx", models.MethodReplace, `[{"id":1,"b":3}]`)))
	doc, err = env.engine.Document(context.Background(), "idx", "1")
	require.NoError(t, err)
	assert.False(t, doc.Has("a"), "replace drops fields the new document does not carry")
}

func TestAddDocuments_UnsupportedMediaTypeCreatesNoTask(t *testing.T) {
	env := newTestEnv(t)

	task, err := env.svc.AddDocuments(context.Background(), AddRequest{
		IndexUID:    "idx",
		ContentType: payload.ParseContentType("text/plain"),
		Body:        strings.NewReader(`[{"id":1}]`),
		Method:      models.MethodReplace,
	})
	assert.Nil(t, task)
	assert.ErrorIs(t, err, docerr.ErrUnsupportedMediaType)
	assert.Equal(t, 0, env.taskCount(t, "idx"))
}

func TestAddDocuments_MalformedCreatesNoTaskAndKeepsDocuments(t *testing.T) {
	env := newTestEnv(t)
	env.wait(t, mustTask(t)(env.add(t, "idx", models.MethodReplace, `[{"id":1}]`)))

	_, err := env.add(t, "idx", models.MethodReplace, `[{"id":2},{"id":3`)
	assert.ErrorIs(t, err, docerr.ErrMalformedPayload)
	assert.Equal(t, 1, env.taskCount(t, "idx"))

	info, err := env.engine.Index(context.Background(), "idx")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Documents)
}

func TestAddDocuments_IdentityErrorsAreSynchronous(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.add(t, "idx", models.MethodReplace, `[{"title":"x"}]`)
	assert.ErrorIs(t, err, docerr.ErrPrimaryKeyInferenceFailed)

	_, err = env.svc.AddDocuments(context.Background(), AddRequest{
		IndexUID:    "idx",
		ContentType: payload.JSON,
		Body:        strings.NewReader(`[{"sku":"a"},{"other":1}]`),
		PrimaryKey:  "sku",
		Method:      models.MethodReplace,
	})
	assert.ErrorIs(t, err, docerr.ErrMissingPrimaryKey)
	assert.Equal(t, 0, env.taskCount(t, "idx"))
}

func TestAddDocuments_DuplicatesCollapsed(t *testing.T) {
	env := newTestEnv(t)

	task, err := env.add(t, "idx", models.MethodReplace, `[{"id":1,"v":"a"},{"id":2},{"id":1,"v":"b"}]`)
	require.NoError(t, err)
	done := env.wait(t, task)
	assert.Equal(t, 3, done.Details.ReceivedDocuments)
	assert.Equal(t, 2, done.Details.IndexedDocuments)

	docs, err := env.engine.Documents(context.Background(), "idx", 0, 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	v, _ := docs[0].Get("v")
	assert.Equal(t, `"b"`, string(v))
}

func TestAddDocuments_InvalidIndexUID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.add(t, "not valid", models.MethodReplace, `[]`)
	assert.ErrorIs(t, err, docerr.ErrInvalidIndexUID)
}

func TestDeleteDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.wait(t, mustTask(t)(env.add(t, "idx", models.MethodReplace, `[{"id":1},{"id":2}]`)))

	task, err := env.svc.DeleteDocument(ctx, "idx", "1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskDocumentDeletion, task.Type)
	done := env.wait(t, task)
	assert.Equal(t, 1, done.Details.DeletedDocuments)
	assert.Equal(t, 1, done.Details.ProvidedIDs)

	_, err = env.svc.DeleteDocument(ctx, "idx", "1")
	assert.ErrorIs(t, err, docerr.ErrDocumentNotFound)

	_, err = env.svc.DeleteDocument(ctx, "missing", "1")
	assert.ErrorIs(t, err, docerr.ErrIndexNotFound)
}

func TestDeleteDocuments_UnknownIDsSucceed(t *testing.T) {
	env := newTestEnv(t)
	env.wait(t, mustTask(t)(env.add(t, "idx", models.MethodReplace, `[{"id":1},{"id":2}]`)))

	task, err := env.svc.DeleteDocuments(context.Background(), "idx", strings.NewReader(`[1, "1", 99]`))
	require.NoError(t, err)
	done := env.wait(t, task)
	assert.Equal(t, models.TaskSucceeded, done.Status)
	assert.Equal(t, 2, done.Details.ProvidedIDs)
	assert.Equal(t, 1, done.Details.DeletedDocuments)

	_, err = env.svc.DeleteDocuments(context.Background(), "idx", strings.NewReader(`[1.5]`))
	assert.ErrorIs(t, err, docerr.ErrInvalidDocumentID)
}

func TestClearDocuments(t *testing.T) {
	env := newTestEnv(t)
	env.wait(t, mustTask(t)(env.add(t, "idx", models.MethodReplace, `[{"id":1}]`)))

	done := env.wait(t, mustTask(t)(env.svc.ClearDocuments(context.Background(), "idx")))
	assert.Equal(t, models.TaskDocumentClear, done.Type)
	assert.Equal(t, 1, done.Details.DeletedDocuments)

	done = env.wait(t, mustTask(t)(env.add(t, "idx", models.MethodReplace, `[{"sku":"a"}]`)))
	assert.Equal(t, "sku", done.Details.PrimaryKey)
}

func mustTask(t *testing.T) func(*models.Task, error) *models.Task {
	return func(task *models.Task, err error) *models.Task {
		t.Helper()
		require.NoError(t, err)
		return task
	}
}
