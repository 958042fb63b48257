package integrity

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Change is a debounced batch of modified paths under the protected root.
type Change struct {
	Paths []string
	At    time.Time
}

// Watcher reports file system changes under the protected root so an
// integrity check can run before the next scheduled tick.
type Watcher struct {
	root     string
	exclude  []string
	debounce time.Duration
	logger   *zap.Logger

	fsw      *fsnotify.Watcher
	changes  chan Change
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for root. Paths matching exclude are ignored.
func NewWatcher(root string, exclude []string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		root:     root,
		exclude:  exclude,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		changes:  make(chan Change, 1),
		stopCh:   make(chan struct{}),
	}, nil
}

// Changes delivers debounced change batches. A batch is dropped if the
// previous one has not been consumed yet.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Start registers the tree and begins processing events.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		w.fsw.Close()
		return err
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends event processing and releases the underlying watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	return Excluded(filepath.ToSlash(rel), w.exclude)
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	pending := make(map[string]struct{})
	var flush *time.Timer
	var flushC <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if flush != nil {
				flush.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				// new directories need their own watch
				if err := w.addRecursive(ev.Name); err != nil {
					w.logger.Debug("could not watch new path", zap.String("path", ev.Name), zap.Error(err))
				}
			}
			rel, _ := filepath.Rel(w.root, ev.Name)
			pending[filepath.ToSlash(rel)] = struct{}{}
			if flush == nil {
				flush = time.NewTimer(w.debounce)
			} else {
				flush.Reset(w.debounce)
			}
			flushC = flush.C

		case <-flushC:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending = make(map[string]struct{})
			flushC = nil

			select {
			case w.changes <- Change{Paths: paths, At: time.Now()}:
			default:
				w.logger.Debug("change batch dropped, previous batch pending", zap.Int("paths", len(paths)))
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
