package connectivity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileSource reads reachability from a state file maintained by the host,
// for example a network manager dispatcher script writing "online" or "offline".
// A missing file means offline.
type FileSource struct {
	path     string
	logger   *zap.Logger
	notifier notifier
}

// NewFileSource creates a state file source
func NewFileSource(path string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{
		path:   filepath.Clean(path),
		logger: logger.Named("statefile"),
	}
}

// CurrentState implements Source
func (f *FileSource) CurrentState(ctx context.Context) (bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return parseState(string(data))
}

// OnChange implements Source
func (f *FileSource) OnChange(fn func(connected bool)) func() {
	return f.notifier.subscribe(fn)
}

// Watch follows the state file until ctx is done. The parent directory is
// watched so the file may be created, replaced or removed.
func (f *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	f.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			f.refresh(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("State file watcher error", zap.Error(err))
		}
	}
}

func (f *FileSource) refresh(ctx context.Context) {
	connected, err := f.CurrentState(ctx)
	if err != nil {
		f.logger.Warn("Unreadable connectivity state", zap.String("path", f.path), zap.Error(err))
		return
	}
	f.notifier.publish(connected)
}

func parseState(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "up", "connected", "true", "1":
		return true, nil
	case "offline", "down", "disconnected", "false", "0", "":
		return false, nil
	}
	return false, fmt.Errorf("unknown connectivity state %q", strings.TrimSpace(s))
}
