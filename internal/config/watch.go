package config

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// reloadDelay lets editors finish writing before the file is parsed.
var reloadDelay = 250 * time.Millisecond

// Watch calls fn with the reloaded configuration each time the file at path
// changes to a valid configuration different from the last one. Invalid
// files are logged and ignored. Watch blocks until ctx is done.
func Watch(ctx context.Context, fs afero.Fs, path string, current *Config, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	// Editors often replace the file, so the directory is watched.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config watch %s: %w", path, err)
	}

	var (
		mu    sync.Mutex
		last  = fingerprint(current)
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(fs, path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload rejected")
			return
		}
		fp := fingerprint(cfg)
		mu.Lock()
		unchanged := fp == last
		last = fp
		mu.Unlock()
		if unchanged {
			log.Debug().Str("path", path).Msg("config unchanged")
			return
		}
		log.Info().Str("path", path).Msg("config reloaded")
		fn(cfg)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	name := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", path).Msg("config watcher error")
		}
	}
}

func fingerprint(c *Config) string {
	if c == nil {
		return ""
	}
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(b)
}
