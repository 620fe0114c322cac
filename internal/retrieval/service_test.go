package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/engine"
	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, raw ...string) *Service {
	t.Helper()
	e, err := engine.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	if len(raw) > 0 {
		docs := make([]*models.Document, len(raw))
		for i, s := range raw {
			var d models.Document
			require.NoError(t, json.Unmarshal([]byte(s), &d))
			docs[i] = &d
		}
		_, err = e.Apply(context.Background(), "idx", models.NewAddition(models.MethodReplace, "id", docs, len(docs)))
		require.NoError(t, err)
	}
	return NewService(e)
}

func encode(t *testing.T, docs ...*models.Document) []string {
	t.Helper()
	out := make([]string, len(docs))
	for i, d := range docs {
		data, err := json.Marshal(d)
		require.NoError(t, err)
		out[i] = string(data)
	}
	return out
}

func TestService_ListDefaults(t *testing.T) {
	var raw []string
	for i := 0; i < 25; i++ {
		raw = append(raw, fmt.Sprintf(`{"id":%d}`, i))
	}
	s := newTestService(t, raw...)

	docs, err := s.List(context.Background(), "idx", models.RetrievalQuery{Limit: models.DefaultRetrieveLimit})
	require.NoError(t, err)
	assert.Len(t, docs, 20)
}

func TestService_ListProjection(t *testing.T) {
	s := newTestService(t, `{"id":1,"a":1,"b":2}`, `{"id":2,"b":2}`)
	ctx := context.Background()

	docs, err := s.List(ctx, "idx", models.RetrievalQuery{Limit: 10, Attributes: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, `{}`}, encode(t, docs...))

	docs, err = s.List(ctx, "idx", models.RetrievalQuery{Limit: 10, Attributes: []string{"b", "*"}})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":1,"a":1,"b":2}`, `{"id":2,"b":2}`}, encode(t, docs...))

	docs, err = s.List(ctx, "idx", models.RetrievalQuery{Limit: 10, Attributes: []string{"b", "id"}})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":1,"b":2}`, `{"id":2,"b":2}`}, encode(t, docs...))
}

func TestService_ListZeroLimitAndPastEnd(t *testing.T) {
	s := newTestService(t, `{"id":1}`)
	ctx := context.Background()

	docs, err := s.List(ctx, "idx", models.RetrievalQuery{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = s.List(ctx, "idx", models.RetrievalQuery{Offset: 5, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestService_ListValidation(t *testing.T) {
	s := newTestService(t, `{"id":1}`)
	ctx := context.Background()

	_, err := s.List(ctx, "idx", models.RetrievalQuery{Offset: -1, Limit: 5})
	assert.ErrorIs(t, err, docerr.ErrBadRequest)

	_, err = s.List(ctx, "idx", models.RetrievalQuery{Limit: -1})
	assert.ErrorIs(t, err, docerr.ErrBadRequest)

	_, err = s.List(ctx, "idx", models.RetrievalQuery{Limit: 5, Attributes: []string{""}})
	assert.ErrorIs(t, err, docerr.ErrBadRequest)

	_, err = s.List(ctx, "bad uid!", models.RetrievalQuery{Limit: 5})
	assert.ErrorIs(t, err, docerr.ErrInvalidIndexUID)

	_, err = s.List(ctx, "missing", models.RetrievalQuery{Limit: 5})
	assert.ErrorIs(t, err, docerr.ErrIndexNotFound)
}

func TestService_Get(t *testing.T) {
	s := newTestService(t, `{"id":1,"a":1,"b":2}`, `{"id":"x-2","b":3}`)
	ctx := context.Background()

	doc, err := s.Get(ctx, "idx", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":1,"a":1,"b":2}`}, encode(t, doc))

	doc, err = s.Get(ctx, "idx", "x-2", []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"b":3}`}, encode(t, doc))

	_, err = s.Get(ctx, "idx", "404", nil)
	assert.ErrorIs(t, err, docerr.ErrDocumentNotFound)

	_, err = s.Get(ctx, "idx", "bad id", nil)
	assert.ErrorIs(t, err, docerr.ErrInvalidDocumentID)

	_, err = s.Get(ctx, "missing", "1", nil)
	assert.ErrorIs(t, err, docerr.ErrIndexNotFound)
}

func TestService_Index(t *testing.T) {
	s := newTestService(t, `{"id":1}`)

	info, err := s.Index(context.Background(), "idx")
	require.NoError(t, err)
	assert.Equal(t, "id", info.PrimaryKey)
	assert.Equal(t, 1, info.Documents)

	_, err = s.Index(context.Background(), "missing")
	var de *docerr.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, docerr.CodeIndexNotFound, de.Code)
}
