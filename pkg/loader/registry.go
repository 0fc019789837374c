package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/Aroton/AroMCP-sub001/internal/infrastructure/logger"
	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// Registry holds the loaded workflow definitions by name. It satisfies the
// engine's WorkflowLookup interface and can watch its source directory for
// changes in development.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]*models.WorkflowDefinition
	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	logger    *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{byName: make(map[string]*models.WorkflowDefinition), logger: log}
}

// Register adds or replaces a definition under its name.
func (r *Registry) Register(def *models.WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[def.Name] = def
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*models.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}

// List returns summaries for every registered workflow, sorted by name.
func (r *Registry) List() []models.WorkflowSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.WorkflowSummary, 0, len(r.byName))
	for _, def := range r.byName {
		out = append(out, models.WorkflowSummary{
			Name:        def.Name,
			Version:     def.Version,
			Description: def.Description,
			Inputs:      def.Inputs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadDir loads every *.yaml/*.yml file in dir into the registry. Files
// that fail to parse are skipped with a logged warning rather than aborting
// the whole directory, so one broken definition can't take down the server.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("loader: reading workflow dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !IsWorkflowFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := LoadFile(path)
		if err != nil {
			r.logger.Warn("skipping workflow file", "path", path, "error", err)
			continue
		}
		r.Register(def)
		r.logger.Info("workflow loaded", "name", def.Name, "version", def.Version, "path", path)
	}
	return nil
}

// Watch re-loads a workflow file whenever it is created or written in dir.
// It returns immediately; the watch goroutine runs until Close.
func (r *Registry) Watch(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("loader: starting watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("loader: watching %s: %w", dir, err)
	}
	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if !IsWorkflowFile(event.Name) {
					continue
				}
				def, err := LoadFile(event.Name)
				if err != nil {
					r.logger.Warn("workflow reload failed", "path", event.Name, "error", err)
					continue
				}
				r.Register(def)
				r.logger.Info("workflow reloaded", "name", def.Name, "path", event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("workflow watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the directory watcher, if one is running.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.RLock()
		w := r.watcher
		r.mu.RUnlock()
		if w != nil {
			w.Close()
		}
	})
}
