package file

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devdock/internal/store"
)

func TestFileRoundTripAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))

	_, err = db.Get(ctx, "session")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, db.Set(ctx, "session", []byte(`{"projects":[]}`)))
	require.NoError(t, db.Set(ctx, "notes", []byte(`{"web":"hi"}`)))
	assert.Error(t, db.Set(ctx, "bad", []byte("not json")))

	reopened, err := New(path)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "notes")
	require.NoError(t, err)
	assert.JSONEq(t, `{"web":"hi"}`, string(got))
	keys, err := reopened.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes", "session"}, keys)

	require.NoError(t, reopened.Delete(ctx, "notes"))
	again, err := New(path)
	require.NoError(t, err)
	_, err = again.Get(ctx, "notes")
	assert.ErrorIs(t, err, store.ErrNotFound)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o600))
	db, err := New(path)
	require.NoError(t, err)
	assert.Error(t, db.EnsureSchema(context.Background()))
}

func TestFileWriteFailureKeepsPreviousValue(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced")
	}
	ctx := context.Background()
	dir := t.TempDir()
	db, err := New(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	require.NoError(t, db.Set(ctx, "k", []byte(`1`)))

	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })
	assert.Error(t, db.Set(ctx, "k", []byte(`2`)))

	got, err := db.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}

func TestHomeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	db, err := New("~/.devdock/state.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".devdock", "state.json"), db.Path())

	_, err = New("  ")
	assert.Error(t, err)
}
