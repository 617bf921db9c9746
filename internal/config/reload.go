package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Reloader watches a config file for writes and invokes onStrategy with the
// newly-parsed strategy name whenever it changes. It lets an operator
// change the active strategy by editing the config file in place, as an
// alternative to the HTTP control surface. An invalid or unreadable file
// is logged and ignored; the previously active strategy is left alone.
type Reloader struct {
	path       string
	logger     *logrus.Logger
	onStrategy func(string)
	watcher    *fsnotify.Watcher
}

// NewReloader builds a Reloader for path. path must be non-empty.
func NewReloader(path string, logger *logrus.Logger, onStrategy func(string)) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	return &Reloader{path: path, logger: logger, onStrategy: onStrategy, watcher: watcher}, nil
}

// Run watches for file events until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) {
	defer r.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("config reloader: watch error")
		}
	}
}

func (r *Reloader) reload() {
	cfg, err := Load(r.path)
	if err != nil {
		r.logger.WithError(err).Warn("config reloader: failed to reload config file")
		return
	}
	r.logger.WithField("strategy", cfg.Strategy).Info("config reloader: applying reloaded strategy")
	r.onStrategy(cfg.Strategy)
}
