package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kingrea/srdesk/internal/supervisor"
)

// resultWatcher nudges aggregation as soon as a result file is written
// instead of waiting for the worker's next timer tick. The timer remains the
// source of truth; a missed notification only delays results.
type resultWatcher struct {
	watcher  *fsnotify.Watcher
	paths    map[string]int
	trigger  func(id int) bool
	logger   Logger
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newResultWatcher(configs []supervisor.ProcessConfig, trigger func(int) bool, logger Logger) (*resultWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pool: create watcher: %w", err)
	}
	rw := &resultWatcher{
		watcher: fw,
		paths:   map[string]int{},
		trigger: trigger,
		logger:  logger,
		done:    make(chan struct{}),
	}
	dirs := map[string]struct{}{}
	for _, cfg := range configs {
		abs, err := filepath.Abs(cfg.Results)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("pool: resolve %s: %w", cfg.Results, err)
		}
		rw.paths[abs] = cfg.ID
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fw.Close()
			return nil, fmt.Errorf("pool: ensure %s: %w", dir, err)
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("pool: watch %s: %w", dir, err)
		}
	}
	rw.wg.Add(1)
	go rw.processEvents()
	return rw, nil
}

func (rw *resultWatcher) processEvents() {
	defer rw.wg.Done()
	for {
		select {
		case <-rw.done:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if id, ok := rw.paths[filepath.Clean(event.Name)]; ok {
				rw.trigger(id)
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Printf("pool: watcher error: %v", err)
		}
	}
}

// Close stops the event loop and releases the inotify handle.
func (rw *resultWatcher) Close() {
	rw.stopOnce.Do(func() {
		close(rw.done)
		rw.watcher.Close()
		rw.wg.Wait()
	})
}
