package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEngine opens a SQLite engine in a temp directory.
func newTestEngine(t *testing.T) *SQLite {
	t.Helper()
	e, err := OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func docs(t *testing.T, raw ...string) []*models.Document {
	t.Helper()
	out := make([]*models.Document, len(raw))
	for i, s := range raw {
		var d models.Document
		require.NoError(t, json.Unmarshal([]byte(s), &d))
		out[i] = &d
	}
	return out
}

func encodeAll(t *testing.T, ds []*models.Document) []string {
	t.Helper()
	out := make([]string, len(ds))
	for i, d := range ds {
		data, err := json.Marshal(d)
		require.NoError(t, err)
		out[i] = string(data)
	}
	return out
}

func add(t *testing.T, e Engine, uid string, method models.Method, pk string, raw ...string) *models.Outcome {
	t.Helper()
	ds := docs(t, raw...)
	out, err := e.Apply(context.Background(), uid, models.NewAddition(method, pk, ds, len(ds)))
	require.NoError(t, err)
	return out
}

func list(t *testing.T, e Engine, uid string) []string {
	t.Helper()
	ds, err := e.Documents(context.Background(), uid, 0, 1000)
	require.NoError(t, err)
	return encodeAll(t, ds)
}

func TestSQLite_AddCreatesIndexAndRecordsKey(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Index(ctx, "movies")
	assert.ErrorIs(t, err, docerr.ErrIndexNotFound)

	out := add(t, e, "movies", models.MethodReplace, "id", `{"id":1,"title":"a"}`, `{"id":2,"title":"b"}`)
	assert.Equal(t, 2, out.Indexed)
	assert.Equal(t, "id", out.PrimaryKey)

	info, err := e.Index(ctx, "movies")
	require.NoError(t, err)
	assert.Equal(t, "movies", info.UID)
	assert.Equal(t, "id", info.PrimaryKey)
	assert.Equal(t, 2, info.Documents)
	assert.False(t, info.CreatedAt.IsZero())
}

func TestSQLite_ReplaceOverwritesAndKeepsPosition(t *testing.T) {
	e := newTestEngine(t)
	add(t, e, "idx", models.MethodReplace, "id", `{"id":1,"a":1,"b":2}`, `{"id":2,"a":2}`)
	add(t, e, "idx", models.MethodReplace, "id", `{"id":1,"b":3}`, `{"id":3}`)

	assert.Equal(t, []string{`{"id":1,"b":3}`, `{"id":2,"a":2}`, `{"id":3}`}, list(t, e, "idx"))
}

func TestSQLite_MergeUnionsFields(t *testing.T) {
	e := newTestEngine(t)
	add(t, e, "idx", models.MethodReplace, "id", `{"id":1,"a":1,"b":2}`)
	add(t, e, "idx", models.MethodMerge, "id", `{"id":1,"b":3,"c":null}`, `{"id":2,"x":1}`)

	assert.Equal(t, []string{`{"id":1,"a":1,"b":3,"c":null}`, `{"id":2,"x":1}`}, list(t, e, "idx"))

	add(t, e, "idx", models.MethodMerge, "id", `{"id":1,"a":null}`)
	doc, err := e.Document(context.Background(), "idx", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":1,"a":1,"b":3,"c":null}`}, encodeAll(t, []*models.Document{doc}))
}

func TestSQLite_IntegerAndStringIDsCollide(t *testing.T) {
	e := newTestEngine(t)
	add(t, e, "idx", models.MethodReplace, "id", `{"id":1,"v":"int"}`)
	add(t, e, "idx", models.MethodReplace, "id", `{"id":"1","v":"str"}`)

	assert.Equal(t, []string{`{"id":"1","v":"str"}`}, list(t, e, "idx"))
}

func TestSQLite_PrimaryKeyConflictRollsBack(t *testing.T) {
	e := newTestEngine(t)
	add(t, e, "idx", models.MethodReplace, "id", `{"id":1,"sku":"a"}`)

	ds := docs(t, `{"id":2,"sku":"b"}`)
	_, err := e.Apply(context.Background(), "idx", models.NewAddition(models.MethodReplace, "sku", ds, 1))
	assert.ErrorIs(t, err, docerr.ErrPrimaryKeyConflict)
	assert.Equal(t, []string{`{"id":1,"sku":"a"}`}, list(t, e, "idx"))
}

func TestSQLite_InvalidDocumentAbortsWholeBatch(t *testing.T) {
	e := newTestEngine(t)
	ds := docs(t, `{"id":1}`, `{"id":2}`, `{"title":"no id"}`)

	_, err := e.Apply(context.Background(), "idx", models.NewAddition(models.MethodReplace, "id", ds, 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, docerr.ErrMissingPrimaryKey)

	var de *docerr.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2, de.Document)

	_, err = e.Index(context.Background(), "idx")
	assert.ErrorIs(t, err, docerr.ErrIndexNotFound)
}

func TestSQLite_DeleteUnknownIDsIsNoop(t *testing.T) {
	e := newTestEngine(t)
	add(t, e, "idx", models.MethodReplace, "id", `{"id":1}`, `{"id":2}`)

	out, err := e.Apply(context.Background(), "idx", models.NewDeletion([]string{"2", "404"}))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Deleted)
	assert.Equal(t, []string{`{"id":1}`}, list(t, e, "idx"))

	out, err = e.Apply(context.Background(), "fresh", models.NewDeletion([]string{"1"}))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Deleted)
}

func TestSQLite_ClearResetsPrimaryKey(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	add(t, e, "idx", models.MethodReplace, "id", `{"id":1}`, `{"id":2}`)

	out, err := e.Apply(ctx, "idx", models.NewClear())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Deleted)

	info, err := e.Index(ctx, "idx")
	require.NoError(t, err)
	assert.Empty(t, info.PrimaryKey)
	assert.Equal(t, 0, info.Documents)

	add(t, e, "idx", models.MethodReplace, "sku", `{"sku":"a","id":1}`)
	info, err = e.Index(ctx, "idx")
	require.NoError(t, err)
	assert.Equal(t, "sku", info.PrimaryKey)
}

func TestSQLite_PaginationIsStableAndExhaustive(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var raw []string
	for i := 0; i < 23; i++ {
		raw = append(raw, fmt.Sprintf(`{"id":%d}`, i))
	}
	add(t, e, "idx", models.MethodReplace, "id", raw...)

	var all []string
	for offset := 0; ; offset += 5 {
		page, err := e.Documents(ctx, "idx", offset, 5)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		all = append(all, encodeAll(t, page)...)
	}
	assert.Equal(t, raw, all)

	page, err := e.Documents(ctx, "idx", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page)

	page, err = e.Documents(ctx, "idx", 100, 5)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestSQLite_DocumentNotFound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Document(ctx, "idx", "1")
	assert.ErrorIs(t, err, docerr.ErrIndexNotFound)

	add(t, e, "idx", models.MethodReplace, "id", `{"id":1}`)
	_, err = e.Document(ctx, "idx", "2")
	assert.ErrorIs(t, err, docerr.ErrDocumentNotFound)
}

func TestSQLite_ConcurrentIndexes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 4; i++ {
		uid := fmt.Sprintf("idx%d", i)
		batches := make([][]*models.Document, 10)
		for j := range batches {
			batches[j] = docs(t, fmt.Sprintf(`{"id":%d}`, j))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, ds := range batches {
				_, err := e.Apply(ctx, uid, models.NewAddition(models.MethodReplace, "id", ds, 1))
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		info, err := e.Index(ctx, fmt.Sprintf("idx%d", i))
		require.NoError(t, err)
		assert.Equal(t, 10, info.Documents)
	}
}

func TestSQLite_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	e, err := OpenSQLite(path)
	require.NoError(t, err)
	add(t, e, "idx", models.MethodReplace, "id", `{"id":1}`)
	require.NoError(t, e.Close())

	e, err = OpenSQLite(path)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, []string{`{"id":1}`}, list(t, e, "idx"))
}
