package form

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/formsync/internal/logfields"
)

// Registry holds the loaded form definitions for a forms directory and can
// hot-reload them when files change.
type Registry struct {
	dir string

	mu    sync.RWMutex
	forms map[string]*Definition

	watcher      *fsnotify.Watcher
	stopChan     chan struct{}
	reloadChan   chan struct{}
	debounceTime time.Duration
}

// NewRegistry loads all form definitions from dir (*.yaml, *.yml).
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:          dir,
		forms:        make(map[string]*Definition),
		stopChan:     make(chan struct{}),
		reloadChan:   make(chan struct{}, 1),
		debounceTime: 2 * time.Second,
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the definition for a form ID, or nil when unknown.
func (r *Registry) Get(formID string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.forms[formID]
}

// IDs returns the loaded form IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.forms))
	for id := range r.forms {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read forms directory %s: %w", r.dir, err)
	}

	forms := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read form file %s: %w", path, err)
		}
		def, err := Parse(data)
		if err != nil {
			return fmt.Errorf("form file %s: %w", path, err)
		}
		if _, dup := forms[def.ID]; dup {
			return fmt.Errorf("form file %s: duplicate form id %q", path, def.ID)
		}
		forms[def.ID] = def
	}

	r.mu.Lock()
	r.forms = forms
	r.mu.Unlock()

	slog.Debug("form definitions loaded", "dir", r.dir, "count", len(forms))
	return nil
}

// Watch begins monitoring the forms directory and reloads definitions on
// change. It returns after the watcher is installed; reloads happen in the
// background until ctx is done or Stop is called.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create form watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch forms directory %s: %w", r.dir, err)
	}
	r.watcher = watcher

	slog.Info("watching form definitions", "dir", r.dir)
	go r.watchLoop(ctx)
	go r.reloadLoop(ctx)
	return nil
}

// Stop stops the directory watcher if one is running.
func (r *Registry) Stop() {
	close(r.stopChan)
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
}

func (r *Registry) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				r.triggerReload()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("form watcher error", logfields.Error(err))
		}
	}
}

func (r *Registry) triggerReload() {
	select {
	case r.reloadChan <- struct{}{}:
	default: // reload already pending
	}
}

func (r *Registry) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-r.reloadChan:
			// Debounce rapid successive file events before reloading.
			timer := time.NewTimer(r.debounceTime)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-r.stopChan:
				timer.Stop()
				return
			case <-timer.C:
			}
			if err := r.reload(); err != nil {
				slog.Error("form definitions reload failed", logfields.Error(err))
				continue
			}
			slog.Info("form definitions reloaded", "dir", r.dir)
		}
	}
}
