package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devdock/internal/store"
	fs "github.com/loykin/devdock/internal/store/file"
	pg "github.com/loykin/devdock/internal/store/postgres"
	sq "github.com/loykin/devdock/internal/store/sqlite"
)

func TestFactoryDSNSelection(t *testing.T) {
	_, err := NewFromDSN("  ")
	assert.Error(t, err)

	cases := []struct {
		dsn  string
		want any
	}{
		{"memory://", &store.Memory{}},
		{"postgres://user@localhost/db", &pg.DB{}},
		{"POSTGRESQL://user@localhost/db", &pg.DB{}},
		{"file:///tmp/devdock-state.json", &fs.DB{}},
		{"/tmp/devdock-state.json", &fs.DB{}},
		{"sqlite://:memory:", &sq.DB{}},
		{":memory:", &sq.DB{}},
	}
	for _, tc := range cases {
		t.Run(tc.dsn, func(t *testing.T) {
			s, err := NewFromDSN(tc.dsn)
			require.NoError(t, err)
			assert.IsType(t, tc.want, s)
			_ = s.Close()
		})
	}

	f, err := NewFromDSN("file:///tmp/x/state.json")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x/state.json", f.(*fs.DB).Path())
}
