package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file whenever it is written and delivers
// each version that validates. Invalid versions are reported on Errors and
// the previous configuration stays in effect.
type Watcher struct {
	path string
	w    *fsnotify.Watcher
	cfgC chan *Config
	erC  chan error
}

// NewWatcher watches path. The parent directory is watched so editors that
// replace the file on save are still seen.
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{path: abs, w: w, cfgC: make(chan *Config, 1), erC: make(chan error, 1)}, nil
}

// Run delivers reloads until ctx is done or the watcher is closed.
func (cw *Watcher) Run(ctx context.Context) {
	defer close(cw.cfgC)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadConfig(cw.path)
			if err != nil {
				cw.report(err)
				continue
			}
			select {
			case cw.cfgC <- cfg:
			case <-ctx.Done():
				return
			}
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.report(err)
		}
	}
}

// report keeps only the most recent unread error.
func (cw *Watcher) report(err error) {
	for {
		select {
		case cw.erC <- err:
			return
		default:
		}
		select {
		case <-cw.erC:
		default:
		}
	}
}

func (cw *Watcher) Configs() <-chan *Config { return cw.cfgC }
func (cw *Watcher) Errors() <-chan error    { return cw.erC }
func (cw *Watcher) Close() error            { return cw.w.Close() }
