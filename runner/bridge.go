package runner

import (
	"fmt"
	"os"
	"path/filepath"
)

// bridgeLink is the symlink inside each task directory pointing at the job's
// shared files tree. It lets a task resolve its outputs relative to its own
// directory while keeping one canonical files location per job.
const bridgeLink = "workspace"

// EnsureBridge validates and, if necessary, repairs the symlink bridge for a
// task directory. A missing link is created; a link with the wrong target is
// replaced. A non-symlink squatting on the link name is unrecoverable.
func EnsureBridge(taskDir string, jobDir string) error {
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return fmt.Errorf("creating task directory: %w", err)
	}

	link := filepath.Join(taskDir, bridgeLink)
	target := filepath.Join(jobDir, "files")

	fi, err := os.Lstat(link)
	if os.IsNotExist(err) {
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("creating bridge symlink: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspecting bridge symlink: %w", err)
	}

	if fi.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("bridge path %s exists and is not a symlink", link)
	}

	existing, err := os.Readlink(link)
	if err != nil {
		return fmt.Errorf("reading bridge symlink: %w", err)
	}
	if existing == target {
		return nil
	}

	if err := os.Remove(link); err != nil {
		return fmt.Errorf("removing stale bridge symlink: %w", err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("recreating bridge symlink: %w", err)
	}
	return nil
}

// SweepBridges removes task bridge symlinks under jobDir so an archived job
// directory carries no dangling links.
func SweepBridges(jobDir string, tasks []string) error {
	var firstErr error
	for _, task := range tasks {
		link := filepath.Join(jobDir, "tasks", task, bridgeLink)
		fi, err := os.Lstat(link)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			continue
		}
		if err := os.Remove(link); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
