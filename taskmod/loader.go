package taskmod

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	gocache "github.com/patrickmn/go-cache"
)

const (
	cacheExpiry  = 5 * time.Minute
	cacheSweep   = 10 * time.Minute
	copyAttempts = 3
)

// Loader resolves task descriptors to runnable modules. Resolutions are
// cached keyed by program path and mtime, so an updated task binary is
// served fresh on its next load while repeat loads of an unchanged binary
// are free.
type Loader struct {
	logger   lager.Logger
	cacheDir string
	cache    *gocache.Cache
}

// NewLoader creates a Loader that stages fallback copies under cacheDir.
func NewLoader(logger lager.Logger, cacheDir string) *Loader {
	return &Loader{
		logger:   logger.Session("module-loader"),
		cacheDir: cacheDir,
		cache:    gocache.New(cacheExpiry, cacheSweep),
	}
}

// Load resolves a descriptor into a module. The direct path is tried first;
// if the program cannot be resolved there but the file demonstrably exists,
// it is copied into the workspace cache with a unique suffix and the copy is
// loaded instead. On repeated failure every attempt is enumerated in the
// returned error.
func (l *Loader) Load(taskName string, desc Descriptor) (*ProcModule, error) {
	logger := l.logger.Session("load", lager.Data{"task": taskName, "program": desc.Program})

	if cached, ok := l.cachedModule(taskName, desc); ok {
		return cached, nil
	}

	var attempts error

	program, err := resolveProgram(desc.Program)
	if err == nil {
		mod := newProcModule(taskName, program, desc)
		l.remember(taskName, desc, mod)
		return mod, nil
	}
	attempts = multierror.Append(attempts, fmt.Errorf("direct load of %s: %w", desc.Program, err))

	// The fallback only applies when the original file is actually there:
	// anything else is a genuinely missing module.
	if _, statErr := os.Stat(desc.Program); statErr != nil {
		attempts = multierror.Append(attempts, fmt.Errorf("stat %s: %w", desc.Program, statErr))
		return nil, fmt.Errorf("loading task module %q: %w", taskName, attempts)
	}

	copied, copyErr := l.copyToCache(desc.Program)
	if copyErr != nil {
		attempts = multierror.Append(attempts, fmt.Errorf("cache copy of %s: %w", desc.Program, copyErr))
		return nil, fmt.Errorf("loading task module %q: %w", taskName, attempts)
	}
	logger.Info("retrying-from-cache-copy", lager.Data{"copy": copied})

	program, err = resolveProgram(copied)
	if err != nil {
		attempts = multierror.Append(attempts, fmt.Errorf("cache copy load of %s: %w", copied, err))
		return nil, fmt.Errorf("loading task module %q: %w", taskName, attempts)
	}

	mod := newProcModule(taskName, program, desc)
	l.remember(taskName, desc, mod)
	return mod, nil
}

// Invalidate drops any cached resolution for a task.
func (l *Loader) Invalidate(taskName string, desc Descriptor) {
	l.cache.Delete(cacheKey(taskName, desc))
}

func (l *Loader) cachedModule(taskName string, desc Descriptor) (*ProcModule, bool) {
	v, ok := l.cache.Get(cacheKey(taskName, desc))
	if !ok {
		return nil, false
	}
	mod, ok := v.(*ProcModule)
	if !ok {
		return nil, false
	}
	// The cached resolution is only valid while the program it points at
	// still exists.
	if _, err := os.Stat(mod.Program); err != nil {
		l.cache.Delete(cacheKey(taskName, desc))
		return nil, false
	}
	return mod, true
}

func (l *Loader) remember(taskName string, desc Descriptor, mod *ProcModule) {
	l.cache.Set(cacheKey(taskName, desc), mod, gocache.DefaultExpiration)
}

// cacheKey folds in the program mtime so a rebuilt task binary invalidates
// its own cache entry.
func cacheKey(taskName string, desc Descriptor) string {
	mtime := int64(0)
	if info, err := os.Stat(desc.Program); err == nil {
		mtime = info.ModTime().UnixNano()
	}
	return fmt.Sprintf("%s|%s|%d", taskName, desc.Program, mtime)
}

// resolveProgram verifies that path names an executable regular file.
func resolveProgram(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0111 == 0 {
		return "", fmt.Errorf("%s is not executable", path)
	}
	return path, nil
}

// copyToCache copies the program into the workspace cache directory under a
// unique name. The copy itself is retried briefly to ride out transient
// filesystem errors.
func (l *Loader) copyToCache(program string) (string, error) {
	if err := os.MkdirAll(l.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}

	dest := filepath.Join(l.cacheDir, fmt.Sprintf("%s-%s", filepath.Base(program), uuid.NewString()))

	op := func() (string, error) {
		if err := copyFile(program, dest); err != nil {
			os.Remove(dest)
			return "", err
		}
		return dest, nil
	}

	return backoff.Retry(
		context.Background(),
		op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(copyAttempts),
	)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()|0100)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
