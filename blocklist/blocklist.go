// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package blocklist keeps the federation blocklist in sync with an
// admin-edited YAML file.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// debounce collapses the burst of events editors emit on save.
const debounce = 100 * time.Millisecond

// Entry blocks one domain, optionally until Expires.
type Entry struct {
	Domain  string     `yaml:"domain"`
	Expires *time.Time `yaml:"expires,omitempty"`
	Reason  string     `yaml:"reason,omitempty"`
}

// File is the on-disk blocklist.
type File struct {
	Blocked []Entry `yaml:"blocked"`
}

// Load reads a blocklist file. A missing file is an empty list.
func Load(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return f, fmt.Errorf("failed to read blocklist: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse blocklist: %w", err)
	}
	for i, e := range f.Blocked {
		d := strings.ToLower(strings.TrimSpace(e.Domain))
		if d == "" {
			return f, fmt.Errorf("blocklist entry %d has no domain", i)
		}
		f.Blocked[i].Domain = d
	}
	return f, nil
}

// Notifier is told after the blocklist changed.
type Notifier interface {
	Notify()
}

// Watcher applies the blocklist file to the instance store whenever the
// file changes. Blocks it applies are stored with BlockBlocklist as their
// source, and only those are lifted when a domain leaves the file, even
// across restarts. Manual blocks are never touched.
type Watcher struct {
	path      string
	instances storage.InstanceStore
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

// New creates a watcher for path. notifier may be nil.
func New(path string, instances storage.InstanceStore, notifier Notifier, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:      path,
		instances: instances,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Sync applies the current file contents. It returns the number of
// instances whose block state changed.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	f, err := Load(w.path)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	listed := make(map[string]struct{}, len(f.Blocked))
	changed := 0

	for _, e := range f.Blocked {
		if e.Expires != nil && !e.Expires.After(now) {
			continue
		}
		listed[e.Domain] = struct{}{}

		ok, err := w.block(ctx, e)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
			w.logger.Info("instance blocked",
				slog.String("domain", e.Domain),
				slog.String("reason", e.Reason))
		}
	}

	instances, err := w.instances.List(ctx)
	if err != nil {
		return changed, fmt.Errorf("failed to list instances: %w", err)
	}
	for _, inst := range instances {
		if !inst.Blocked || inst.BlockSource != types.BlockBlocklist {
			continue
		}
		if _, ok := listed[inst.Domain]; ok {
			continue
		}
		if err := w.instances.Unblock(ctx, inst.ID); err != nil {
			return changed, fmt.Errorf("failed to unblock %s: %w", inst.Domain, err)
		}
		changed++
		w.logger.Info("instance unblocked", slog.String("domain", inst.Domain))
	}

	if changed > 0 && w.notifier != nil {
		w.notifier.Notify()
	}
	return changed, nil
}

func (w *Watcher) block(ctx context.Context, e Entry) (bool, error) {
	inst, err := w.instances.GetByDomain(ctx, e.Domain)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		inst.Domain = e.Domain
		inst.UpdatedAt = w.now()
		if inst.ID, err = w.instances.Upsert(ctx, inst); err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	case inst.Blocked && inst.BlockSource != types.BlockBlocklist:
		// Blocked by an administrator; the file neither extends nor owns it.
		w.logger.Debug("keeping manual block", slog.String("domain", e.Domain))
		return false, nil
	case inst.Blocked && sameExpiry(inst.BlockExpiresAt, e.Expires):
		return false, nil
	}
	if err := w.instances.Block(ctx, inst.ID, e.Expires, types.BlockBlocklist); err != nil {
		return false, fmt.Errorf("failed to block %s: %w", e.Domain, err)
	}
	return true, nil
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Run applies the file once and then again after every change until ctx
// is done. The parent directory is watched so that files replaced by
// rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.sync(ctx)

	name := filepath.Clean(w.path)
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("blocklist watcher error", slog.String("error", err.Error()))
		case <-timer.C:
			w.sync(ctx)
		}
	}
}

func (w *Watcher) sync(ctx context.Context) {
	changed, err := w.Sync(ctx)
	if err != nil {
		w.logger.Error("failed to apply blocklist",
			slog.String("file", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.logger.Debug("blocklist applied", slog.String("file", w.path), slog.Int("changed", changed))
}
