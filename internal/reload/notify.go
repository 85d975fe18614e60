// Package reload implements config reload request notification.
package reload

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Notifier implements config reload request notification. A message on
// C means the configuration should be re-read.
type Notifier struct {
	C   chan struct{}
	log *zap.Logger
}

// NewNotifier initializes and returns new notifier.
func NewNotifier(l *zap.Logger) *Notifier {
	n := &Notifier{
		C:   make(chan struct{}, 1),
		log: l,
	}
	n.subscribe()
	return n
}

// Notify requests a reload. Non-blocking; coalesces with a pending
// request.
func (n *Notifier) Notify() {
	select {
	case n.C <- struct{}{}:
	default:
	}
}

// Watch starts watching the config file for writes, requesting a
// reload on each. Editors often replace the file, so the parent
// directory is watched and events are filtered by name.
func (n *Notifier) Watch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}
	name := filepath.Clean(path)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				n.log.Info("config file changed", zap.String("path", ev.Name))
				n.Notify()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				n.log.Warn("config watch error", zap.Error(err))
			}
		}
	}()
	return nil
}
