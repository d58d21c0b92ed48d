package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ReloadHandler receives every YAML file in the watched directory keyed by
// base name. Returning an error keeps the previous snapshot active.
type ReloadHandler func(files map[string][]byte) error

// PromptWatcher hot-reloads the prompt template override directory.
type PromptWatcher struct {
	dir      string
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.Mutex
	handlers []ReloadHandler
	current  map[string][]byte

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPromptWatcher prepares a watcher for dir. The directory must exist.
func NewPromptWatcher(dir string, logger *zap.Logger) (*PromptWatcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("prompt directory cannot be empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("prompt directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompt path %s is not a directory", dir)
	}
	return &PromptWatcher{
		dir:      dir,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// OnReload registers a handler. Handlers added after Start receive the
// next reload.
func (w *PromptWatcher) OnReload(h ReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start loads the directory once, notifies handlers, and begins watching.
func (w *PromptWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.watcher = watcher

	if err := w.reload("initial"); err != nil {
		w.logger.Warn("Initial prompt load failed", zap.Error(err))
	}
	go w.loop()

	w.logger.Info("Prompt watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop ends the watch loop.
func (w *PromptWatcher) Stop() {
	if w.watcher == nil {
		return
	}
	select {
	case <-w.stopCh:
		return
	default:
	}
	close(w.stopCh)
	_ = w.watcher.Close()
	<-w.doneCh
}

// Snapshot returns the last successfully loaded files.
func (w *PromptWatcher) Snapshot() map[string][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string][]byte, len(w.current))
	for k, v := range w.current {
		out[k] = v
	}
	return out
}

func (w *PromptWatcher) loop() {
	defer close(w.doneCh)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			// Editors write files in several steps; coalesce them.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if err := w.reload("fsnotify"); err != nil {
				w.logger.Error("Prompt reload rejected, keeping previous templates", zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Prompt watcher error", zap.Error(err))
		}
	}
}

func (w *PromptWatcher) reload(trigger string) error {
	files, err := w.readAll()
	if err != nil {
		return err
	}

	w.mu.Lock()
	handlers := append([]ReloadHandler(nil), w.handlers...)
	w.mu.Unlock()

	for _, h := range handlers {
		if err := h(files); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.current = files
	w.mu.Unlock()

	w.logger.Info("Prompt templates loaded",
		zap.String("trigger", trigger),
		zap.Int("files", len(files)),
	)
	return nil
}

func (w *PromptWatcher) readAll() (map[string][]byte, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read prompt directory: %w", err)
	}
	files := make(map[string][]byte)
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		files[e.Name()] = data
	}
	return files, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
