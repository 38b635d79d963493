package definition

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Registry indexes workflow definitions by name. Definitions load from a
// search path of directories; when two directories declare the same
// workflow name, the later directory wins, which is how project
// definitions shadow built-in ones.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Definition
	dirs   []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry over the given search path.
func NewRegistry(dirs []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]*Definition),
		dirs:   dirs,
		logger: logger,
	}
}

// Load reads every *.yaml / *.yml file across the search path. Missing
// directories are skipped; an unparseable or invalid file fails the load.
func (r *Registry) Load() error {
	loaded := make(map[string]*Definition)
	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read workflow directory %s: %w", dir, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := filepath.Ext(e.Name())
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			def, err := LoadFile(filepath.Join(dir, name))
			if err != nil {
				return err
			}
			if prev, ok := loaded[def.Name]; ok && prev != nil {
				r.logger.Debug("workflow definition shadowed",
					slog.String("workflow", def.Name),
					slog.String("file", name))
			}
			loaded[def.Name] = def
		}
	}

	r.mu.Lock()
	r.byName = loaded
	r.mu.Unlock()
	r.logger.Info("workflow definitions loaded", slog.Int("count", len(loaded)))
	return nil
}

// LoadFile parses and validates a single definition file. When the file
// has no name field, the file basename (without extension) is used.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow file %s: %w", path, err)
	}
	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := Validate(&def); err != nil {
		return nil, fmt.Errorf("invalid workflow file %s: %w", path, err)
	}
	return &def, nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered definitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Watch reloads the registry whenever a file in the search path changes.
// It blocks until ctx is cancelled. A failed reload keeps the previous
// index and logs the error; in-flight workflows are unaffected either
// way because definitions are looked up by name per operation.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create definition watcher: %w", err)
	}
	defer watcher.Close()

	watching := 0
	for _, dir := range r.dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch workflow directory %s: %w", dir, err)
		}
		watching++
	}
	if watching == 0 {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Load(); err != nil {
				r.logger.Warn("definition reload failed",
					slog.String("file", ev.Name),
					slog.String("error", err.Error()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("definition watcher error", slog.String("error", err.Error()))
		}
	}
}
