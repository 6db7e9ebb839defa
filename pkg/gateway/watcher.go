package gateway

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/jordigilh/actiongateway/pkg/shared/logging"
)

// RuleWatcher drives reload_rules from filesystem change notifications on
// a rules directory, so an operator editing rule-source files on disk
// doesn't need to call the control interface directly. Grounds
// SPEC_FULL.md's "pkg/gateway/watcher" module entry.
type RuleWatcher struct {
	gw      *Gateway
	dir     string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRuleWatcher starts watching dir for create/write/remove/rename events
// and reloads gw's rule set on each one, debounced implicitly by the fact
// that ReloadRules re-reads the whole directory rather than a single file.
func NewRuleWatcher(gw *Gateway, dir string) (*RuleWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, newError(ErrConfiguration, "failed to start rule file watcher", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, newError(ErrConfiguration, "failed to watch rules directory "+dir, err)
	}
	return &RuleWatcher{gw: gw, dir: dir, watcher: w, done: make(chan struct{})}, nil
}

// Start runs the watch loop in a background goroutine until ctx is done
// or Stop is called.
func (w *RuleWatcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := w.gw.ReloadRules(w.dir); err != nil {
					w.gw.log.Error(err, "rule watcher reload failed", logging.NewFields().Component("gateway").Operation("watch_reload").Resource("dir", w.dir).ToKeysAndValues()...)
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.gw.log.Error(err, "rule watcher error", logging.NewFields().Component("gateway").Operation("watch").ToKeysAndValues()...)
			}
		}
	}()
}

// Stop closes the underlying fsnotify watcher and ends the watch loop.
func (w *RuleWatcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}
