package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Project layout: the SQLite database lives in .claims/ at the project root.
const (
	ProjectDir   = ".claims"
	DatabaseFile = "claims.db"
)

// DiscoverDatabase finds the SQLite database for the current directory.
//
// CLAIMS_DB_PATH wins when set (":memory:" is allowed). Otherwise the
// working directory and its parents are searched for .claims/claims.db so
// commands work from anywhere inside a project. When nothing is found the
// path in the working directory is returned and created on first open.
func DiscoverDatabase() (string, error) {
	if dbPath := os.Getenv("CLAIMS_DB_PATH"); dbPath != "" {
		return dbPath, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	if found, ok := discoverDatabaseFromDir(dir); ok {
		return found, nil
	}
	return filepath.Join(dir, ProjectDir, DatabaseFile), nil
}

// discoverDatabaseFromDir walks up from startDir looking for an existing
// database
func discoverDatabaseFromDir(startDir string) (string, bool) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, ProjectDir, DatabaseFile)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			return "", false
		}
		dir = parent
	}
}

// GetProjectRoot returns the directory containing the .claims/ directory
// that holds dbPath.
func GetProjectRoot(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	dbDir := filepath.Dir(absPath)
	if filepath.Base(dbDir) != ProjectDir {
		return "", fmt.Errorf("database must be in a %s/ directory, got: %s", ProjectDir, dbPath)
	}
	return filepath.Dir(dbDir), nil
}

// InitProject creates the .claims directory under projectDir and returns
// the database path. The database itself is created on first open.
func InitProject(projectDir string) (string, error) {
	if _, err := os.Stat(projectDir); os.IsNotExist(err) {
		return "", fmt.Errorf("project directory does not exist: %s", projectDir)
	}

	dir := filepath.Join(projectDir, ProjectDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", ProjectDir, err)
	}

	dbPath := filepath.Join(dir, DatabaseFile)
	if _, err := os.Stat(dbPath); err == nil {
		return "", fmt.Errorf("database already exists: %s", dbPath)
	}
	return dbPath, nil
}
