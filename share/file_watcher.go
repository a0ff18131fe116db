package wgshare

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileReloadHandler is called after a watched file changes
type FileReloadHandler func() error

// reloadSettle is how long a watched file must be quiet before it is reloaded,
// so that an editor's truncate+write is seen as one change
const reloadSettle = 100 * time.Millisecond

// FileWatcher calls a reload handler whenever a single file is written, created
// or renamed into place. The file's directory is watched rather than the file
// itself so that atomic replacement (write temp file, rename) is noticed.
type FileWatcher struct {
	ShutdownHelper
	path   string
	reload FileReloadHandler
	fsw    *fsnotify.Watcher

	timerLock sync.Mutex
	timer     *time.Timer
}

// NewFileWatcher starts watching path. Reload errors are logged and the
// previous content stays in effect.
func NewFileWatcher(logger Logger, path string, reload FileReloadHandler) (*FileWatcher, error) {
	path = filepath.Clean(path)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, logger.Errorf("Unable to create file watcher: %s", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, logger.Errorf("Unable to watch %s: %s", path, err)
	}
	w := &FileWatcher{
		path:   path,
		reload: reload,
		fsw:    fsw,
	}
	w.InitShutdownHelper(logger.Fork("watch %s", filepath.Base(path)), w)
	w.ShutdownWG().Add(1)
	go w.loop()
	return w, nil
}

func (w *FileWatcher) loop() {
	defer w.ShutdownWG().Done()
	for {
		select {
		case e, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != w.path {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.TLogf("event %s", e.Op)
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.WLogf("watch error: %s", err)
		}
	}
}

func (w *FileWatcher) schedule() {
	w.timerLock.Lock()
	defer w.timerLock.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadSettle, func() {
		if w.IsStartedShutdown() {
			return
		}
		if err := w.reload(); err != nil {
			w.WLogf("Failed to reload %s, keeping previous content: %s", w.path, err)
		} else {
			w.DLogf("Reloaded %s", w.path)
		}
	})
}

// HandleOnceShutdown stops watching
func (w *FileWatcher) HandleOnceShutdown(completionErr error) error {
	w.timerLock.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerLock.Unlock()
	err := w.fsw.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
