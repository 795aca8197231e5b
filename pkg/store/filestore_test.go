package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "settings", []byte(`{"a":1}`)))
	raw, err := s.Get(ctx, "settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	require.NoError(t, s.Delete(ctx, "settings"))
	_, err = s.Get(ctx, "settings")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreDeleteAbsentKeyIsNoop(t *testing.T) {
	s := newTestFileStore(t)
	require.NoError(t, s.Delete(context.Background(), "never-written"))
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "history", []byte(`[1,2,3]`)))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	raw, err := reopened.Get(ctx, "history")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(raw))
}

func TestFileStoreReloadPicksUpExternalWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "settings", []byte(`{"v":1}`)))

	// Simulate the settings surface writing from another process.
	other, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, other.Put(ctx, "settings", []byte(`{"v":2}`)))

	require.NoError(t, s.Reload())
	raw, err := s.Get(ctx, "settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(raw))
}

func TestFileStoreLeavesNoTempFile(t *testing.T) {
	s := newTestFileStore(t)
	require.NoError(t, s.Put(context.Background(), "k", []byte(`"v"`)))

	_, err := os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestGetPutJSON(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	type payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, PutJSON(ctx, s, "k", payload{Name: "relay"}))

	var out payload
	require.NoError(t, GetJSON(ctx, s, "k", &out))
	assert.Equal(t, "relay", out.Name)

	err := GetJSON(ctx, s, "absent", &out)
	require.ErrorIs(t, err, ErrNotFound)
}
