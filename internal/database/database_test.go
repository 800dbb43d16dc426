package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/perimeter/internal/models"
)

func TestConnect(t *testing.T) {
	db, err := Connect("file:database_test?mode=memory&cache=shared")
	require.NoError(t, err)
	for _, m := range Models() {
		assert.True(t, db.Migrator().HasTable(m))
	}

	path := filepath.Join(t.TempDir(), "perimeter.db")
	db, err = Connect(path)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.SecurityAudit{Actor: "admin", Action: "block"}).Error)

	var n int64
	require.NoError(t, db.Model(&models.SecurityAudit{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestConnect_BadPath(t *testing.T) {
	_, err := Connect(filepath.Join(t.TempDir(), "missing", "dir", "perimeter.db"))
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "data.db?_busy_timeout=5000&_journal_mode=WAL", dsn("data.db"))
	assert.Equal(t, "file::memory:?cache=shared", dsn("file::memory:?cache=shared"))
}
