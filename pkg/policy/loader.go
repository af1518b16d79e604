package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce coalesces editor save bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// Loader reads site policies from .rego files and JSON-wrapped policies.
//
// A .rego file is named after its file name. Its leading comment block is
// the policy header:
//
//	# Keeps the message of the day out of declarations
//	# severity: error
//	# tags: site, motd
//	package site.motd
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy

	watcher *fsnotify.Watcher
}

type cachedPolicy struct {
	policy  Policy
	modTime time.Time
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// LoadFromPaths loads every policy under paths, in argument order. Files
// inside a directory are loaded in lexical order; a broken file in a
// directory is logged and skipped, a broken file named directly is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		loaded, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		policies = append(policies, loaded...)
	}

	l.logger.Debug().
		Int("policies", len(policies)).
		Strs("paths", paths).
		Msg("Policies loaded")
	return policies, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(file) {
			return nil
		}
		p, err := l.loadFromFile(ctx, file)
		if err != nil {
			l.logger.Warn().Err(err).Str("file", file).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	return policies, err
}

// loadFromFile returns the cached policy while the file is unmodified.
func (l *Loader) loadFromFile(ctx context.Context, path string) (*Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isPolicyFile(path) {
		return nil, fmt.Errorf("unsupported policy file %s: want .rego or .json", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		p := cached.policy
		return &p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Policy
	if filepath.Ext(path) == ".json" {
		p, err = decodeJSONPolicy(path, data)
		if err != nil {
			return nil, err
		}
	} else {
		p = regoPolicy(path, string(data))
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{policy: p, modTime: info.ModTime()}
	l.mu.Unlock()

	return &p, nil
}

func regoPolicy(path, source string) Policy {
	h := parseHeader(source)
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: h.description,
		Rego:        source,
		Severity:    h.severity,
		Enabled:     true,
		Tags:        h.tags,
		Source:      path,
	}
}

func decodeJSONPolicy(path string, data []byte) (Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("invalid JSON policy %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Source = path
	return p, nil
}

type header struct {
	description string
	severity    Severity
	tags        []string
}

// parseHeader reads the comment block before the first Rego statement.
// "key: value" comments set severity and tags; other comments form the
// description. Unknown severities fall back to warning.
func parseHeader(source string) header {
	h := header{severity: SeverityWarning}
	var desc []string

	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)

		key, value, _ := strings.Cut(comment, ":")
		switch strings.TrimSpace(key) {
		case "severity":
			switch sev := Severity(strings.TrimSpace(value)); sev {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				h.severity = sev
			}
			continue
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					h.tags = append(h.tags, tag)
				}
			}
			continue
		}
		if comment != "" {
			desc = append(desc, comment)
		}
	}

	h.description = strings.Join(desc, " ")
	return h
}

// Watch reloads every policy under paths whenever a policy file changes,
// passing the full set to reloadFn. It returns once watching has started;
// watching stops when ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		if err := l.watchTree(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	go l.watch(ctx, paths, reloadFn)
	return nil
}

// watchTree adds path and, for a directory, every directory below it.
func (l *Loader) watchTree(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return l.watcher.Add(path)
	}
	return filepath.WalkDir(path, func(dir string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return l.watcher.Add(dir)
	})
}

func (l *Loader) watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = l.watchTree(event.Name)
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()
			timer.Reset(reloadDebounce)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reloadFn(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policies")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching stops a running Watch.
func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	if err := l.watcher.Close(); err != nil && !errors.Is(err, fsnotify.ErrClosed) {
		return err
	}
	return nil
}

// ClearCache forgets every loaded file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedPolicy)
	l.mu.Unlock()
}
