// Package fsutil provides the two write primitives everything else is built
// on: crash-atomic whole-file replacement and append-line.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
)

// ErrCrossDevice is returned when the temp-then-rename dance would cross a
// filesystem boundary. Rename atomicity only holds within one device, so this
// is a hard error rather than a fallback to copy.
var ErrCrossDevice = errors.New("atomic write would cross filesystem boundary")

// AtomicWrite writes data to path by writing a uniquely named sibling temp
// file, syncing it, and renaming it over the target. Concurrent readers see
// either the old content or the new content, never a partial file. On any
// failure the temp file is removed.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(path), uuid.NewString()))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		if isCrossDevice(err) {
			return fmt.Errorf("%w: %s", ErrCrossDevice, path)
		}
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// AppendLine appends line plus a trailing newline to path, creating the
// parent directory and the file as needed.
func AppendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening for append: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("appending line: %w", err)
	}

	return nil
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Err == syscall.EXDEV
	}
	return errors.Is(err, syscall.EXDEV)
}
