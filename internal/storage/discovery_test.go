package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDiscoverDatabaseFromDir_WalksUp verifies that commands run from a
// subdirectory find the project's database
func TestDiscoverDatabaseFromDir_WalksUp(t *testing.T) {
	// tmpRoot/
	//   project/
	//     .claims/claims.db
	//     src/pkg/
	tmpRoot := t.TempDir()
	projectDir := filepath.Join(tmpRoot, "project")
	nested := filepath.Join(projectDir, "src", "pkg")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(projectDir, ProjectDir), 0755))
	dbPath := filepath.Join(projectDir, ProjectDir, DatabaseFile)
	require.NoError(t, os.WriteFile(dbPath, nil, 0644))

	found, ok := discoverDatabaseFromDir(nested)
	require.True(t, ok)
	assert.Equal(t, dbPath, found)

	_, ok = discoverDatabaseFromDir(tmpRoot)
	assert.False(t, ok, "nothing above the project")
}

func TestDiscoverDatabase_WithEnvVar(t *testing.T) {
	t.Setenv("CLAIMS_DB_PATH", ":memory:")
	path, err := DiscoverDatabase()
	require.NoError(t, err)
	assert.Equal(t, ":memory:", path)
}

func TestDiscoverDatabase_DefaultsToWorkingDir(t *testing.T) {
	t.Setenv("CLAIMS_DB_PATH", "")
	dir := t.TempDir()
	t.Chdir(dir)

	path, err := DiscoverDatabase()
	require.NoError(t, err)
	assert.Equal(t, ProjectDir, filepath.Base(filepath.Dir(path)))
	assert.Equal(t, DatabaseFile, filepath.Base(path))
}

func TestGetProjectRoot(t *testing.T) {
	root, err := GetProjectRoot("/home/user/proj/.claims/claims.db")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/proj", root)

	_, err = GetProjectRoot("/home/user/proj/claims.db")
	assert.Error(t, err)
}

func TestInitProject(t *testing.T) {
	dir := t.TempDir()

	dbPath, err := InitProject(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ProjectDir, DatabaseFile), dbPath)
	assert.DirExists(t, filepath.Join(dir, ProjectDir))

	require.NoError(t, os.WriteFile(dbPath, nil, 0644))
	_, err = InitProject(dir)
	assert.ErrorContains(t, err, "already exists")

	_, err = InitProject(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestServeLock(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, DatabaseFile)

	lockPath, err := AcquireServeLock(dbPath, "test")
	require.NoError(t, err)
	assert.FileExists(t, lockPath)

	// This process is alive, so a second acquire must fail
	_, err = AcquireServeLock(dbPath, "test")
	assert.ErrorContains(t, err, "already running")

	require.NoError(t, ReleaseServeLock(lockPath))
	assert.NoFileExists(t, lockPath)
	require.NoError(t, ReleaseServeLock(lockPath), "release is idempotent")

	// In-memory databases need no lock
	lockPath, err = AcquireServeLock(":memory:", "test")
	require.NoError(t, err)
	assert.Empty(t, lockPath)
}
