package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisio/pkg/telemetry"
)

// DefaultReloadDelay debounces bursts of file events.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads correlation rules from files and watches them for changes.
type Loader struct {
	logger      zerolog.Logger
	reloadDelay time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader. A nil logger means the global logger.
func NewLoader(logger *zerolog.Logger) *Loader {
	l := telemetry.ComponentLogger("policy-loader")
	if logger != nil {
		l = logger.With().Str("component", "policy-loader").Logger()
	}
	return &Loader{logger: l, reloadDelay: DefaultReloadDelay}
}

// LoadFromPaths reads every rule file under paths. A path is a file or a
// directory searched recursively.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules from %s: %w", path, err)
		}
		all = append(all, policies...)
	}
	l.logger.Debug().Int("rules", len(all)).Int("paths", len(paths)).Msg("Correlation rules read")
	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		p, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isRuleFile(file) {
			return nil
		}
		p, err := loadFile(file)
		if err != nil {
			return err
		}
		policies = append(policies, *p)
		return nil
	})
	return policies, err
}

func isRuleFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// loadFile reads a .rego module, named after the file, or a .json Policy.
func loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasSuffix(path, ".rego"):
		return &Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Description: leadingComment(string(data)),
			Rego:        string(data),
			Enabled:     true,
			Source:      path,
			LoadedAt:    time.Now(),
		}, nil
	case strings.HasSuffix(path, ".json"):
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		p.Source = path
		p.LoadedAt = time.Now()
		return &p, nil
	default:
		return nil, fmt.Errorf("unsupported rule file: %s", path)
	}
}

// leadingComment joins the comment lines before the first statement.
func leadingComment(src string) string {
	var parts []string
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		if c := strings.TrimSpace(strings.TrimPrefix(trimmed, "#")); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

// Watch reloads the rules under paths whenever a rule file is written,
// created or removed, until ctx is done. Reload errors are logged and the
// previous rules stay in force.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func(context.Context, []Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, path := range paths {
		if err := addRecursive(watcher, path); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reload)
	l.logger.Info().Strs("paths", paths).Msg("Watching correlation rules")
	return nil
}

func addRecursive(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, w *fsnotify.Watcher, paths []string, reload func(context.Context, []Policy) error) {
	defer w.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isRuleFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Rule file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.reloadDelay, func() {
				policies, err := l.LoadFromPaths(ctx, paths)
				if err == nil {
					err = reload(ctx, policies)
				}
				if err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload correlation rules")
					return
				}
				l.logger.Info().Int("rules", len(policies)).Msg("Correlation rules reloaded")
			})

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Stop closes the watcher started by Watch.
func (l *Loader) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// WatchPaths keeps e in sync with the rule files under paths.
func (e *Engine) WatchPaths(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(&e.logger)
	if err := loader.Watch(ctx, paths, e.Load); err != nil {
		return nil, err
	}
	return loader, nil
}
