package registry

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"go.uber.org/zap"
)

// selfWriteGrace is how long after our own persist we ignore file events.
const selfWriteGrace = 500 * time.Millisecond

// fileWatcher watches the registry persistence file and fires the
// callback when it changes outside this process. The registry's own
// atomic rename also raises events; MarkSelfWrite suppresses those.
type fileWatcher struct {
	watcher   *fsnotify.Watcher
	path      string
	callback  func()
	logger    *logging.Logger
	stop      chan struct{}
	lastWrite atomic.Int64 // unix nanos of our last persist
}

func newFileWatcher(path string, callback func(), logger *logging.Logger) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: the file itself is replaced by rename on every
	// persist, which would silently detach a file-level watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	fw := &fileWatcher{
		watcher:  w,
		path:     path,
		callback: callback,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	go fw.run()
	return fw, nil
}

// MarkSelfWrite records that the registry just persisted, so the next
// burst of file events is ours and should not invalidate the cache.
func (fw *fileWatcher) MarkSelfWrite() {
	fw.lastWrite.Store(time.Now().UnixNano())
}

func (fw *fileWatcher) run() {
	for {
		select {
		case <-fw.stop:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Name != fw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			since := time.Since(time.Unix(0, fw.lastWrite.Load()))
			if since < selfWriteGrace {
				continue
			}
			fw.callback()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(context.Background(), "registry file watcher error", zap.Error(err))
		}
	}
}

func (fw *fileWatcher) Close() error {
	close(fw.stop)
	return fw.watcher.Close()
}
