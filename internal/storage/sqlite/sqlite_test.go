package sqlitestorage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/scenestream/internal/config"
	"github.com/OCAP2/scenestream/internal/database"
	"github.com/OCAP2/scenestream/internal/model"
	"github.com/OCAP2/scenestream/pkg/core"
)

func TestBackend_PersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.db")
	b := New(config.SQLiteConfig{Path: path}, nil)
	require.NoError(t, b.Init())

	require.NoError(t, b.RecordSnapshot(core.StatusSnapshot{Time: time.Now(), Domain: "hub"}))
	require.NoError(t, b.RecordStall(core.StallReport{Time: time.Now()}))
	require.NoError(t, b.Close())

	db, err := database.OpenSqlite(path)
	require.NoError(t, err)
	var snaps, stalls int64
	require.NoError(t, db.Model(&model.StatusSnapshot{}).Count(&snaps).Error)
	require.NoError(t, db.Model(&model.StallReport{}).Count(&stalls).Error)
	assert.Equal(t, int64(1), snaps)
	assert.Equal(t, int64(1), stalls)
}

func TestBackend_CloseBeforeInit(t *testing.T) {
	assert.NoError(t, New(config.SQLiteConfig{}, nil).Close())
}

func TestBackend_InMemoryDumpsOnClose(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "dump.db")
	b := New(config.SQLiteConfig{DumpPath: dump}, nil)
	require.NoError(t, b.Init())

	require.NoError(t, b.RecordLandingTransition(core.LandingTransition{Time: time.Now(), From: "WaitingForData", To: "Enabled"}))
	require.NoError(t, b.Close())

	db, err := database.OpenSqlite(dump)
	require.NoError(t, err)
	var n int64
	require.NoError(t, db.Model(&model.LandingTransition{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}
