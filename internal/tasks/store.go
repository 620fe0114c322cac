// Package tasks persists task records and the mutations they track.
//
// Every index owns a bbolt bucket holding its task records and the payloads of
// mutations that have not finished yet. Task ids come from the bucket sequence,
// so they increase monotonically per index and are never reused, not even
// after the index is cleared or the process restarts.
package tasks

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/models"
	bolt "go.etcd.io/bbolt"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
)

var (
	bucketIndexes = []byte("indexes")
	bucketTasks   = []byte("tasks")
	bucketPending = []byte("pending")
)

// Store is a bbolt-backed task tracker.
type Store struct {
	db *bolt.DB

	mu      sync.Mutex
	waiters map[waitKey][]chan struct{}
}

type waitKey struct {
	uid string
	id  uint64
}

// Open opens or creates the task database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create task directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketIndexes); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketIndexes, err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, waiters: make(map[waitKey][]chan struct{})}, nil
}

// Close releases the bbolt database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func itob(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// indexBucket returns the bucket of uid, creating it when create is set.
// A nil bucket without error means the index has no tasks yet.
func indexBucket(tx *bolt.Tx, uid string, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket(bucketIndexes)
	if !create {
		return root.Bucket([]byte(uid)), nil
	}
	b, err := root.CreateBucketIfNotExists([]byte(uid))
	if err != nil {
		return nil, fmt.Errorf("create index bucket %s: %w", uid, err)
	}
	for _, name := range [][]byte{bucketTasks, bucketPending} {
		if _, err := b.CreateBucketIfNotExists(name); err != nil {
			return nil, fmt.Errorf("create bucket %s/%s: %w", uid, name, err)
		}
	}
	return b, nil
}

func getTask(b *bolt.Bucket, id uint64) (*models.Task, error) {
	data := b.Bucket(bucketTasks).Get(itob(id))
	if data == nil {
		return nil, ErrNotFound
	}
	task := &models.Task{}
	if err := json.Unmarshal(data, task); err != nil {
		return nil, fmt.Errorf("decode task %d: %w", id, err)
	}
	return task, nil
}

func putTask(b *bolt.Bucket, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := b.Bucket(bucketTasks).Put(itob(task.ID), data); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

// Create records a new enqueued task for m together with its payload, in one
// transaction. The returned task carries the assigned id.
func (s *Store) Create(_ context.Context, uid string, m *models.Mutation, details models.TaskDetails) (*models.Task, error) {
	var task *models.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := indexBucket(tx, uid, true)
		if err != nil {
			return err
		}

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("allocate task id: %w", err)
		}

		task = &models.Task{
			ID:         id,
			IndexUID:   uid,
			Type:       m.TaskType(),
			Status:     models.TaskEnqueued,
			Details:    details,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := putTask(b, task); err != nil {
			return err
		}

		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal mutation: %w", err)
		}
		if err := b.Bucket(bucketPending).Put(itob(id), payload); err != nil {
			return fmt.Errorf("store mutation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Get returns a task by id. Returns ErrNotFound if missing.
func (s *Store) Get(_ context.Context, uid string, id uint64) (*models.Task, error) {
	var task *models.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := indexBucket(tx, uid, false)
		if b == nil {
			return ErrNotFound
		}
		var err error
		task, err = getTask(b, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Mutation returns the stored payload of a task that has not finished.
func (s *Store) Mutation(_ context.Context, uid string, id uint64) (*models.Mutation, error) {
	var m *models.Mutation
	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := indexBucket(tx, uid, false)
		if b == nil {
			return ErrNotFound
		}
		data := b.Bucket(bucketPending).Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		m = &models.Mutation{}
		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Transition moves a task to next, letting update fill in the fields that go
// with the new status. Leaving a terminal state fails with ErrInvalidTransition.
// Entering one drops the stored payload and wakes waiters.
func (s *Store) Transition(_ context.Context, uid string, id uint64, next models.TaskStatus, update func(*models.Task)) (*models.Task, error) {
	var task *models.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, _ := indexBucket(tx, uid, false)
		if b == nil {
			return ErrNotFound
		}
		var err error
		task, err = getTask(b, id)
		if err != nil {
			return err
		}
		if !task.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, next)
		}

		now := time.Now().UTC()
		task.Status = next
		switch {
		case next == models.TaskProcessing:
			task.StartedAt = &now
			task.Attempts++
		case next.Terminal():
			task.FinishedAt = &now
			if err := b.Bucket(bucketPending).Delete(itob(id)); err != nil {
				return fmt.Errorf("drop mutation: %w", err)
			}
		}
		if update != nil {
			update(task)
		}
		return putTask(b, task)
	})
	if err != nil {
		return nil, err
	}

	if task.Status.Terminal() {
		s.notify(uid, id)
	}
	return task, nil
}

// List returns up to limit tasks of uid, newest first, starting at id from
// (0 for the newest). An empty status matches every status.
func (s *Store) List(_ context.Context, uid string, from uint64, limit int, status models.TaskStatus) ([]*models.Task, error) {
	tasks := make([]*models.Task, 0)
	if limit <= 0 {
		return tasks, nil
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := indexBucket(tx, uid, false)
		if b == nil {
			return nil
		}

		c := b.Bucket(bucketTasks).Cursor()
		var k, v []byte
		if from == 0 {
			k, v = c.Last()
		} else {
			k, v = c.Seek(itob(from))
			if k == nil {
				k, v = c.Last()
			} else if btoi(k) > from {
				k, v = c.Prev()
			}
		}

		for ; k != nil && len(tasks) < limit; k, v = c.Prev() {
			task := &models.Task{}
			if err := json.Unmarshal(v, task); err != nil {
				return fmt.Errorf("decode task %d: %w", btoi(k), err)
			}
			if status != "" && task.Status != status {
				continue
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// Recovered is an unfinished task reloaded from disk.
type Recovered struct {
	Task     *models.Task
	Mutation *models.Mutation
}

// Recover resets every unfinished task to enqueued and returns them per index
// in id order. Tasks whose payload is missing are failed in place.
func (s *Store) Recover(_ context.Context) (map[string][]Recovered, error) {
	out := make(map[string][]Recovered)
	var lost []waitKey

	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketIndexes)
		return root.ForEachBucket(func(name []byte) error {
			uid := string(name)
			b := root.Bucket(name)
			pending := b.Bucket(bucketPending)

			var reset []*models.Task
			err := b.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
				task := &models.Task{}
				if err := json.Unmarshal(v, task); err != nil {
					return fmt.Errorf("decode task %s/%d: %w", uid, btoi(k), err)
				}
				if task.Status.Terminal() {
					return nil
				}
				reset = append(reset, task)
				return nil
			})
			if err != nil {
				return err
			}

			for _, task := range reset {
				data := pending.Get(itob(task.ID))
				if data == nil {
					now := time.Now().UTC()
					task.Status = models.TaskFailed
					task.FinishedAt = &now
					task.Error = &models.TaskError{
						Code:    string(docerr.CodeInternal),
						Message: "mutation payload lost before it was applied",
					}
					lost = append(lost, waitKey{uid: uid, id: task.ID})
					if err := putTask(b, task); err != nil {
						return err
					}
					continue
				}

				m := &models.Mutation{}
				if err := json.Unmarshal(data, m); err != nil {
					return fmt.Errorf("decode mutation %s/%d: %w", uid, task.ID, err)
				}
				task.Status = models.TaskEnqueued
				task.StartedAt = nil
				if err := putTask(b, task); err != nil {
					return err
				}
				out[uid] = append(out[uid], Recovered{Task: task, Mutation: m})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for _, k := range lost {
		s.notify(k.uid, k.id)
	}
	return out, nil
}

// Prune deletes terminal tasks of uid that finished before cutoff. An empty
// uid prunes every index. Returns the number of tasks removed.
func (s *Store) Prune(_ context.Context, uid string, cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketIndexes)
		prune := func(name []byte) error {
			b := root.Bucket(name)
			if b == nil {
				return nil
			}
			tb := b.Bucket(bucketTasks)

			var stale [][]byte
			err := tb.ForEach(func(k, v []byte) error {
				task := &models.Task{}
				if err := json.Unmarshal(v, task); err != nil {
					return fmt.Errorf("decode task %s/%d: %w", name, btoi(k), err)
				}
				if task.Status.Terminal() && task.FinishedAt != nil && task.FinishedAt.Before(cutoff) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := tb.Delete(k); err != nil {
					return fmt.Errorf("delete task %s/%d: %w", name, btoi(k), err)
				}
			}
			removed += len(stale)
			return nil
		}

		if uid != "" {
			return prune([]byte(uid))
		}
		return root.ForEachBucket(prune)
	})
	return removed, err
}

// Wait blocks until the task is terminal or ctx is done.
func (s *Store) Wait(ctx context.Context, uid string, id uint64) (*models.Task, error) {
	ch := s.subscribe(uid, id)
	defer s.unsubscribe(uid, id, ch)

	task, err := s.Get(ctx, uid, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	select {
	case <-ch:
		return s.Get(ctx, uid, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) subscribe(uid string, id uint64) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	k := waitKey{uid: uid, id: id}
	s.waiters[k] = append(s.waiters[k], ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) unsubscribe(uid string, id uint64, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := waitKey{uid: uid, id: id}
	list := s.waiters[k]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, k)
	} else {
		s.waiters[k] = list
	}
}

func (s *Store) notify(uid string, id uint64) {
	s.mu.Lock()
	k := waitKey{uid: uid, id: id}
	list := s.waiters[k]
	delete(s.waiters, k)
	s.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}
