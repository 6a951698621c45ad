// Package selection follows the workspace chosen in a small text file.
//
// The file holds a single workspace id. Editors often replace files instead
// of writing them in place, so the watcher observes the parent directory and
// filters by name.
package selection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// ChangeFunc receives the newly selected workspace id. An empty id means the
// selection was cleared or the file removed.
type ChangeFunc func(ctx context.Context, workspaceID string) error

type Watcher struct {
	path     string
	onChange ChangeFunc
	logger   Logger
	current  string
	started  bool
}

func NewWatcher(path string, onChange ChangeFunc, logger Logger) (*Watcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("selection file path is required")
	}
	if onChange == nil {
		return nil, errors.New("change callback is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: abs, onChange: onChange, logger: logger}, nil
}

// Read returns the trimmed workspace id stored at path. A missing file reads
// as no selection.
func Read(path string) (string, error) {
	id, _, err := read(path)
	return id, err
}

func read(path string) (id string, exists bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}

// Write stores workspaceID at path, replacing the file atomically.
func Write(path, workspaceID string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.TrimSpace(workspaceID)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Run delivers the current selection, then every change, until ctx ends.
// Callback errors are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.refresh(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("selection watcher error: %v", err)
		}
	}
}

// refresh reports the file's current id when it differs from the last one.
// Once running, only a missing file clears the selection: an empty file is
// a rewrite caught between truncate and write.
func (w *Watcher) refresh(ctx context.Context) {
	id, exists, err := read(w.path)
	if err != nil {
		w.logf("read selection %s: %v", w.path, err)
		return
	}
	if w.started && exists && id == "" {
		return
	}
	if w.started && id == w.current {
		return
	}
	w.started = true
	w.current = id
	if err := w.onChange(ctx, id); err != nil {
		w.logf("switch to workspace %q failed: %v", id, err)
	}
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
