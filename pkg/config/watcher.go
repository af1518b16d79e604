package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for further changes before
// signalling.
const DefaultDebounce = 500 * time.Millisecond

// Watcher signals when declaration files change.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher watches paths. Directories are watched for new and changed
// declaration files; files are watched through their parent directory so
// editors that replace files on save are still seen.
func NewWatcher(paths []string, debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		watcher:  fw,
		debounce: debounce,
		logger:   logger.With().Str("component", "watcher").Logger(),
	}

	added := map[string]bool{}
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		dir := path
		if !info.IsDir() {
			dir = filepath.Dir(path)
		}
		if added[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		added[dir] = true
	}

	return w, nil
}

// Run blocks until ctx is done, calling onChange once per burst of changes
// to declaration files. onChange runs on the watcher goroutine, so events
// arriving during a run are coalesced into the next call.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context)) error {
	defer func() { _ = w.watcher.Close() }()

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !IsDeclarationFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Declaration file changed")
			timer.Reset(w.debounce)

		case <-timer.C:
			onChange(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching. It is safe to call after Run returns.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
