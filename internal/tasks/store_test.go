package tasks

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a task store in a temp directory for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addition(t *testing.T, raw ...string) *models.Mutation {
	t.Helper()
	docs := make([]*models.Document, len(raw))
	for i, r := range raw {
		var d models.Document
		require.NoError(t, json.Unmarshal([]byte(r), &d))
		docs[i] = &d
	}
	return models.NewAddition(models.MethodReplace, "id", docs, len(docs))
}

func TestStore_CreateAssignsMonotonicIDsPerIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1, err := s.Create(ctx, "a", models.NewClear(), models.TaskDetails{})
	require.NoError(t, err)
	a2, err := s.Create(ctx, "a", models.NewClear(), models.TaskDetails{})
	require.NoError(t, err)
	b1, err := s.Create(ctx, "b", models.NewClear(), models.TaskDetails{})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a1.ID)
	assert.Equal(t, uint64(2), a2.ID)
	assert.Equal(t, uint64(1), b1.ID)
	assert.Equal(t, models.TaskEnqueued, a1.Status)
	assert.Equal(t, models.TaskDocumentClear, a1.Type)
	assert.False(t, a1.EnqueuedAt.IsZero())
}

func TestStore_IDsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Create(ctx, "a", models.NewClear(), models.TaskDetails{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	task, err := s.Create(ctx, "a", models.NewClear(), models.TaskDetails{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), task.ID)
}

func TestStore_ConcurrentCreateNeverReusesIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uint64]bool)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := s.Create(ctx, "idx", models.NewClear(), models.TaskDetails{})
			if err != nil {
				return
			}
			mu.Lock()
			ids[task.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 20)
	for id := uint64(1); id <= 20; id++ {
		assert.True(t, ids[id], "missing id %d", id)
	}
}

func TestStore_MutationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, "idx", addition(t, `{"id":1,"z":true,"a":[1]}`), models.TaskDetails{ReceivedDocuments: 1})
	require.NoError(t, err)

	m, err := s.Mutation(ctx, "idx", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MutationAdd, m.Kind)
	assert.Equal(t, "id", m.PrimaryKey)
	require.Len(t, m.Documents, 1)
	assert.Equal(t, []string{"id", "z", "a"}, m.Documents[0].Fields())
}

func TestStore_Transitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, "idx", addition(t, `{"id":1}`), models.TaskDetails{})
	require.NoError(t, err)

	_, err = s.Transition(ctx, "idx", task.ID, models.TaskSucceeded, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	processing, err := s.Transition(ctx, "idx", task.ID, models.TaskProcessing, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskProcessing, processing.Status)
	assert.NotNil(t, processing.StartedAt)
	assert.Equal(t, 1, processing.Attempts)

	done, err := s.Transition(ctx, "idx", task.ID, models.TaskSucceeded, func(t *models.Task) {
		t.Details.IndexedDocuments = 1
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskSucceeded, done.Status)
	assert.NotNil(t, done.FinishedAt)
	assert.Equal(t, 1, done.Details.IndexedDocuments)

	// terminal: payload dropped, no further transitions
	_, err = s.Mutation(ctx, "idx", task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Transition(ctx, "idx", task.ID, models.TaskFailed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.Get(ctx, "idx", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSucceeded, got.Status)
}

func TestStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Create(ctx, "idx", models.NewClear(), models.TaskDetails{})
	require.NoError(t, err)
	_, err = s.Get(ctx, "idx", 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, "idx", models.NewClear(), models.TaskDetails{})
		require.NoError(t, err)
	}
	_, err := s.Transition(ctx, "idx", 2, models.TaskProcessing, nil)
	require.NoError(t, err)

	all, err := s.List(ctx, "idx", 0, 10, "")
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, uint64(5), all[0].ID)
	assert.Equal(t, uint64(1), all[4].ID)

	page, err := s.List(ctx, "idx", 3, 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].ID)
	assert.Equal(t, uint64(2), page[1].ID)

	processing, err := s.List(ctx, "idx", 0, 10, models.TaskProcessing)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, uint64(2), processing[0].ID)

	beyond, err := s.List(ctx, "idx", 100, 1, "")
	require.NoError(t, err)
	require.Len(t, beyond, 1)
	assert.Equal(t, uint64(5), beyond[0].ID)

	none, err := s.List(ctx, "other", 0, 10, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Recover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)

	t1, err := s.Create(ctx, "idx", addition(t, `{"id":1}`), models.TaskDetails{})
	require.NoError(t, err)
	t2, err := s.Create(ctx, "idx", models.NewDeletion([]string{"1"}), models.TaskDetails{})
	require.NoError(t, err)
	t3, err := s.Create(ctx, "idx", models.NewClear(), models.TaskDetails{})
	require.NoError(t, err)

	_, err = s.Transition(ctx, "idx", t1.ID, models.TaskProcessing, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "idx", t1.ID, models.TaskSucceeded, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "idx", t2.ID, models.TaskProcessing, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	recovered, err := s.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, recovered["idx"], 2)
	assert.Equal(t, t2.ID, recovered["idx"][0].Task.ID)
	assert.Equal(t, models.TaskEnqueued, recovered["idx"][0].Task.Status)
	assert.Equal(t, models.MutationDelete, recovered["idx"][0].Mutation.Kind)
	assert.Equal(t, t3.ID, recovered["idx"][1].Task.ID)

	got, err := s.Get(ctx, "idx", t2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskEnqueued, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestStore_Prune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, uid := range []string{"a", "b"} {
		for i := 0; i < 2; i++ {
			task, err := s.Create(ctx, uid, models.NewClear(), models.TaskDetails{})
			require.NoError(t, err)
			if i == 0 {
				_, err = s.Transition(ctx, uid, task.ID, models.TaskProcessing, nil)
				require.NoError(t, err)
				_, err = s.Transition(ctx, uid, task.ID, models.TaskFailed, nil)
				require.NoError(t, err)
			}
		}
	}

	removed, err := s.Prune(ctx, "a", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "a", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "a", 2)
	assert.NoError(t, err)

	removed, err = s.Prune(ctx, "", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = s.Prune(ctx, "", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// ids are not reused after pruning
	task, err := s.Create(ctx, "a", models.NewClear(), models.TaskDetails{})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), task.ID)
}

func TestStore_Wait(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, "idx", models.NewClear(), models.TaskDetails{})
	require.NoError(t, err)

	done := make(chan *models.Task, 1)
	go func() {
		got, err := s.Wait(ctx, "idx", task.ID)
		if err == nil {
			done <- got
		}
		close(done)
	}()

	_, err = s.Transition(ctx, "idx", task.ID, models.TaskProcessing, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "idx", task.ID, models.TaskSucceeded, nil)
	require.NoError(t, err)

	select {
	case got := <-done:
		require.NotNil(t, got)
		assert.Equal(t, models.TaskSucceeded, got.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return")
	}
}

func TestStore_WaitHonoursContext(t *testing.T) {
	s := newTestStore(t)

	task, err := s.Create(context.Background(), "idx", models.NewClear(), models.TaskDetails{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Wait(ctx, "idx", task.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
