package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"code.cloudfoundry.org/lager/v3"
)

// Lockfile enforces the one-manager-per-data-root rule. The file carries the
// holder's PID so a crashed manager's stale lock can be detected and broken.
type Lockfile struct {
	path string
}

// AcquireLock takes the root-level lock, breaking a stale one if its holder
// is gone.
func AcquireLock(logger lager.Logger, path string) (*Lockfile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return &Lockfile{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquiring lock: %w", err)
		}

		pid, readErr := readLockPID(path)
		if readErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("another lifecycle manager (pid %d) holds %s", pid, path)
		}

		logger.Info("breaking-stale-lock", lager.Data{"path": path, "pid": pid})
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("breaking stale lock: %w", err)
		}
	}

	return nil, fmt.Errorf("could not acquire lock %s", path)
}

// Release drops the lock.
func (l *Lockfile) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
