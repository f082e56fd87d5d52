package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureSchema(ctx))

	_, err := m.Get(ctx, "session")
	assert.ErrorIs(t, err, ErrNotFound)

	buf := []byte(`{"a":1}`)
	require.NoError(t, m.Set(ctx, "session", buf))
	buf[0] = 'x' // stored value is a copy
	got, err := m.Get(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	require.NoError(t, m.Set(ctx, "notes", []byte(`{}`)))
	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes", "session"}, keys)

	require.NoError(t, m.Delete(ctx, "session"))
	require.NoError(t, m.Delete(ctx, "session"))
	_, err = m.Get(ctx, "session")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, m.Close())
}
