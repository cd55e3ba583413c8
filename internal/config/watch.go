package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nadmax/queuewatch/internal/logger"
)

// ReloadDebounce is how long the config file has to stay quiet before Watch
// reads it. Editors and os.WriteFile truncate before writing, so one save is
// usually several events.
const ReloadDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and hands the new Config to onChange
// until ctx is cancelled. The parent directory is watched so that saves which
// replace the file by rename are seen too.
//
// A reload that fails to parse or validate is logged and the previous config
// stays in effect. An empty file is treated as a save in progress and skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	log := logger.Get(ctx)
	log.Info().Str("path", target).Dur("debounce", ReloadDebounce).Msg("watching config for changes")

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(ReloadDebounce)
			} else {
				timer.Reset(ReloadDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil

			cfg, err := reload(target)
			if err != nil {
				log.Error().Err(err).Str("path", target).Msg("config reload failed, keeping previous config")
				continue
			}
			if cfg == nil {
				log.Debug().Str("path", target).Msg("config file empty, waiting for next write")
				continue
			}

			log.Info().Str("path", target).Msg("config reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("config watcher error")
		}
	}
}

// reload returns nil, nil when the file holds nothing but whitespace.
func reload(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	return parse(data)
}
