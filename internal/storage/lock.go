package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ServeLockFile sits next to the SQLite database while `claims serve` runs.
const ServeLockFile = ".serve-lock"

// ServeLock marks the process that owns the balancer for a database.
// Two sweepers on one SQLite file would race each other's steals.
type ServeLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// AcquireServeLock writes the lock file beside dbPath. A lock left by a dead
// process on this host is taken over. Returns the lock path for release.
func AcquireServeLock(dbPath, version string) (string, error) {
	if dbPath == "" || dbPath == ":memory:" {
		return "", nil
	}

	lockPath := filepath.Join(filepath.Dir(dbPath), ServeLockFile)

	if data, err := os.ReadFile(lockPath); err == nil {
		var existing ServeLock
		if json.Unmarshal(data, &existing) == nil && isProcessAlive(existing.PID, existing.Hostname) {
			return "", fmt.Errorf("claims serve is already running for %s (PID %d on %s, started %s)",
				dbPath, existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	data, err := json.MarshalIndent(ServeLock{
		Holder:    "claims-serve",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
		Version:   version,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create serve lock: %w", err)
	}
	return lockPath, nil
}

// ReleaseServeLock removes the lock file. An empty path is a no-op.
func ReleaseServeLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove serve lock: %w", err)
	}
	return nil
}

// isProcessAlive reports whether pid is running on hostname. Remote hosts
// cannot be checked and count as alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil || !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 probes without delivering anything
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
