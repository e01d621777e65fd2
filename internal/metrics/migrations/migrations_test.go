package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLatestVersion 測試目標版本為嵌入檔案中最大的版本
func TestLatestVersion(t *testing.T) {
	src, err := iofs.New(migrationsFS, "migrations")
	require.NoError(t, err)
	defer src.Close()

	version, err := latestVersion(src)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	prev, err := src.Prev(version)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Zero(t, prev)
}

// TestMigrationsPaired 測試每個 up 遷移都有對應的 down
func TestMigrationsPaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	for name := range names {
		if up, ok := strings.CutSuffix(name, ".up.sql"); ok {
			assert.True(t, names[up+".down.sql"], "missing down migration for %s", name)
		}
	}
}
