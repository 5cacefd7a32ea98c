package db_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"missionctl/internal/db"
	"missionctl/internal/migrate"
)

func TestOpenDefaultsToWorkspaceLocation(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	_, err = os.Stat(filepath.Join(dir, ".missionctl", "missionctl.db"))
	require.NoError(t, err)
}

func TestOpenHonorsPathOverride(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, "elsewhere", "tracker.db")

	cfg := db.Config{Workspace: dir, Path: custom}
	require.Equal(t, custom, db.Path(cfg))

	conn, err := db.Open(cfg)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	_, err = os.Stat(custom)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ".missionctl", "missionctl.db"))
	require.True(t, os.IsNotExist(err), "default location untouched when overridden")
}

func TestOpenExistingRequiresFile(t *testing.T) {
	dir := t.TempDir()
	_, err := db.OpenExisting(db.Config{Workspace: dir})
	require.Error(t, err)
}
