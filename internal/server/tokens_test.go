package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTokenStore_CreateLoadDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	store := NewFileTokenStore(path, nil)
	require.NoError(t, store.Load(), "a missing file is an empty store")

	raw, info, err := store.CreateToken("ci", []string{"movies"}, PermissionReadWrite)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "dg_"))
	assert.Equal(t, HashToken(raw), info.TokenHash)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), raw, "raw tokens are never persisted")

	reloaded := NewFileTokenStore(path, nil)
	require.NoError(t, reloaded.Load())
	got, err := reloaded.GetByHash(HashToken(raw))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"movies"}, got.Indexes)
	assert.Equal(t, "ci", got.Desc)

	require.NoError(t, reloaded.DeleteToken(info.ID))
	assert.Error(t, reloaded.DeleteToken(info.ID))

	list, err := reloaded.ListTokens()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileTokenStore_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0600))
	assert.Error(t, NewFileTokenStore(path, nil).Load())
}

func TestFileTokenStore_ListSorted(t *testing.T) {
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "tokens.json"), nil)
	for range 3 {
		_, _, err := store.CreateToken("", []string{"*"}, PermissionRead)
		require.NoError(t, err)
	}
	list, err := store.ListTokens()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Less(t, list[0].ID, list[1].ID)
	assert.Less(t, list[1].ID, list[2].ID)
}
