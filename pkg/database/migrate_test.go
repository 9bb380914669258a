package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_EmbeddedInOrder(t *testing.T) {
	names, err := Migrations()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(names), 3)
	assert.Equal(t, "001_live_streams.sql", names[0])
	assert.Equal(t, "002_recordings.sql", names[1])
	assert.IsIncreasing(t, names)
}

func TestMigrationNames_SkipsNonSQL(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_b.sql":   {Data: []byte("SELECT 2")},
		"m/001_a.sql":   {Data: []byte("SELECT 1")},
		"m/README.md":   {Data: []byte("notes")},
		"m/sub/003.sql": {Data: []byte("SELECT 3")},
	}
	names, err := migrationNames(fsys, "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a.sql", "002_b.sql"}, names)
}
