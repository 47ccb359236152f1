package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kestrelweb/novelforge/internal/logger"
)

// configFilePrefix is the naming convention a site config file must follow
// to be discovered by a Loader.
const configFilePrefix = "config_"

// templateFileName is reserved: it documents the schema but is never
// listed as a selectable site.
const templateFileName = "config_template"

// Loader discovers, parses, and hot-reloads every config_* file in a
// directory.
type Loader struct {
	dir string

	mu      sync.RWMutex
	configs map[string]*Config

	watcher *fsnotify.Watcher
}

// NewLoader builds a Loader rooted at dir and performs an initial full scan.
func NewLoader(dir string) (*Loader, error) {
	l := &Loader{dir: dir, configs: make(map[string]*Config)}
	if err := l.scan(); err != nil {
		return nil, err
	}
	return l, nil
}

// scan re-reads every config_* file under dir.
func (l *Loader) scan() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("config: read dir %s: %w", l.dir, err)
	}

	fresh := make(map[string]*Config)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), configFilePrefix) || strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())) == templateFileName {
			continue
		}
		cfg, err := LoadFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			logger.Warn("config: skipping invalid file", "file", e.Name(), "error", err)
			continue
		}
		name := strings.TrimPrefix(e.Name(), configFilePrefix)
		name = strings.TrimSuffix(name, filepath.Ext(name))
		cfg.Name = name
		fresh[name] = cfg
	}

	l.mu.Lock()
	l.configs = fresh
	l.mu.Unlock()
	return nil
}

// Dir returns the directory this Loader scans.
func (l *Loader) Dir() string { return l.dir }

// FileName returns config_<name>.yaml, the file name Write and Delete use for
// a config name. A config loaded from a .json file is not found under it.
func (l *Loader) FileName(name string) string {
	return configFilePrefix + name + ".yaml"
}

// Write validates raw config bytes, persists them to disk under the
// config_<name>.yaml convention, and reloads the in-memory entry. It refuses
// to overwrite the reserved template name.
func (l *Loader) Write(name string, data []byte) error {
	if name == "" || name == "template" {
		return fmt.Errorf("config: %q is not a writable name", name)
	}
	cfg, err := LoadBytes(data, ".yaml")
	if err != nil {
		return err
	}
	cfg.Name = name

	fileName := l.FileName(name)
	if err := os.WriteFile(filepath.Join(l.dir, fileName), data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", fileName, err)
	}

	l.mu.Lock()
	l.configs[name] = cfg
	l.mu.Unlock()
	return nil
}

// Delete removes a config's on-disk file and its in-memory entry. It refuses
// to delete the reserved template name.
func (l *Loader) Delete(name string) error {
	if name == "" || name == "template" {
		return fmt.Errorf("config: %q is not a deletable name", name)
	}
	fileName := l.FileName(name)
	if err := os.Remove(filepath.Join(l.dir, fileName)); err != nil {
		return fmt.Errorf("config: delete %s: %w", fileName, err)
	}
	l.mu.Lock()
	delete(l.configs, name)
	l.mu.Unlock()
	return nil
}

// List returns the names of every loaded config.
func (l *Loader) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.configs))
	for name := range l.configs {
		names = append(names, name)
	}
	return names
}

// Get returns the named config, or ok=false if it is not loaded.
func (l *Loader) Get(name string) (*Config, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cfg, ok := l.configs[name]
	return cfg, ok
}

// Reload re-parses a single file and swaps it in atomically; readers never
// observe a half-parsed config.
func (l *Loader) Reload(fileName string) error {
	cfg, err := LoadFile(filepath.Join(l.dir, fileName))
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(strings.TrimPrefix(fileName, configFilePrefix), filepath.Ext(fileName))
	cfg.Name = name

	l.mu.Lock()
	l.configs[name] = cfg
	l.mu.Unlock()
	return nil
}

// Watch starts an fsnotify watch on the config directory, reloading
// individual files as they change and logging (without failing) any file
// that becomes invalid. Watch blocks until stop is closed or the watcher's
// channels close; callers typically run it in a goroutine.
func (l *Loader) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	l.watcher = watcher
	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", l.dir, err)
	}
	defer watcher.Close()

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !strings.HasPrefix(name, configFilePrefix) || strings.TrimSuffix(name, filepath.Ext(name)) == templateFileName {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.Reload(name); err != nil {
				logger.Warn("config: reload failed", "file", name, "error", err)
			} else {
				logger.Info("config: reloaded", "file", name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config: watcher error", "error", err)
		}
	}
}

// LoadFile parses a single YAML or JSON config file and validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return LoadBytes(data, filepath.Ext(path))
}

// LoadBytes parses YAML or JSON config bytes (ext selects the format, e.g.
// ".yaml" or ".json") and validates the result.
func LoadBytes(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	case ".json":
		if err := yaml.Unmarshal(data, &cfg); err != nil { // yaml.v3 parses JSON too
			return nil, fmt.Errorf("config: parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unsupported extension %q", ext)
	}

	if err := errors.Join(ValidateSchema(data, ext), cfg.Validate()); err != nil {
		return nil, err
	}
	return &cfg, nil
}
