// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads c whenever the file at path changes.
//
// # Description
//
// Watches the directory holding path, since editors often replace files
// rather than write them in place. A change that fails to load is logged
// and the previous contents are kept. onReload, if set, runs after every
// successful reload.
//
// # Inputs
//
//   - ctx: Watching stops when ctx is done.
//   - path: Catalog file to watch.
//   - logger: Receives reload results. Nil uses slog.Default().
//   - onReload: Optional callback.
//
// # Outputs
//
//   - error: Non-nil if the watcher could not be started. Watch blocks
//     until ctx is done and then returns nil.
func (c *Catalog) Watch(ctx context.Context, path string, logger *slog.Logger, onReload func(*Catalog)) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving catalog path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating catalog watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)

		case <-pending:
			pending = nil
			next, err := Load(abs)
			if err != nil {
				logger.Warn("catalog reload failed, keeping previous", slog.String("path", abs), slog.String("error", err.Error()))
				continue
			}
			c.Replace(next)
			logger.Info("catalog reloaded", slog.String("path", abs), slog.Int("abilities", next.Len()))
			if onReload != nil {
				onReload(c)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("catalog watcher error", slog.String("error", err.Error()))
		}
	}
}
