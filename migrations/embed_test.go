package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListParsesEmbeddedMigrations(t *testing.T) {
	infos, err := List()
	require.NoError(t, err)
	require.NotEmpty(t, infos)

	for _, info := range infos {
		assert.NotEmpty(t, info.Sequence)
		assert.NotEmpty(t, info.Name)
		assert.Contains(t, []string{"up", "down"}, info.Direction)
	}
}

func TestFSServesMigrationContents(t *testing.T) {
	data, err := FS().ReadFile("0001_init.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "CREATE TABLE systems")
}
