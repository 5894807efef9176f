package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/fsnotify/fsnotify"
)

// seedSuffix marks a pending seed file; everything else in the bucket is
// ignored by the watcher.
const seedSuffix = "-seed.json"

// Watcher surfaces seed files appearing in the pending bucket. It combines an
// inotify subscription with a periodic rescan so a seed dropped while the
// watch was briefly broken is never lost.
type Watcher struct {
	logger     lager.Logger
	clock      clock.Clock
	pendingDir string
	interval   time.Duration
	seeds      chan<- string
}

// NewWatcher creates a Watcher emitting seed paths on seeds.
func NewWatcher(
	logger lager.Logger,
	clk clock.Clock,
	pendingDir string,
	interval time.Duration,
	seeds chan<- string,
) *Watcher {
	return &Watcher{
		logger:     logger.Session("seed-watcher"),
		clock:      clk,
		pendingDir: pendingDir,
		interval:   interval,
		seeds:      seeds,
	}
}

// Run implements ifrit.Runner.
func (w *Watcher) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	if err := os.MkdirAll(w.pendingDir, 0755); err != nil {
		return fmt.Errorf("creating pending bucket: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.pendingDir); err != nil {
		return fmt.Errorf("watching pending bucket: %w", err)
	}

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	close(ready)

	w.logger.Info("watching", lager.Data{"dir": w.pendingDir, "rescan": w.interval.String()})

	// Seeds dropped before the watch started are picked up immediately.
	w.rescan()

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("filesystem watch closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if w.isSeed(filepath.Base(ev.Name)) {
				w.emit(ev.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("filesystem watch closed")
			}
			w.logger.Error("watch-error", err)

		case <-ticker.C():
			w.rescan()

		case <-signals:
			return nil
		}
	}
}

func (w *Watcher) rescan() {
	entries, err := os.ReadDir(w.pendingDir)
	if err != nil {
		w.logger.Error("failed-to-rescan-pending", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !w.isSeed(entry.Name()) {
			continue
		}
		w.emit(filepath.Join(w.pendingDir, entry.Name()))
	}
}

func (w *Watcher) isSeed(name string) bool {
	return strings.HasSuffix(name, seedSuffix) && !strings.HasPrefix(name, ".")
}

func (w *Watcher) emit(path string) {
	select {
	case w.seeds <- path:
	default:
		// The rescan will retry; the file stays put until promoted.
		w.logger.Debug("seed-channel-full", lager.Data{"path": path})
	}
}
