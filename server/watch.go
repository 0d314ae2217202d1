package server

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchConfig hot-reloads the generation defaults whenever the config
// file changes. Only the defaults section takes effect without a
// restart; listen address, upstream and storage are fixed for the
// server's lifetime. Returns a stop function.
func (s *Server) WatchConfig(path string) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory: editors replace files on save, which drops
	// a watch registered on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	target, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				changed, err := filepath.Abs(event.Name)
				if err != nil || changed != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				s.reloadDefaults(path)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	s.logger.Info("watching config for changes", zap.String("path", path))
	return watcher.Close, nil
}

func (s *Server) reloadDefaults(path string) {
	config, err := LoadConfig(path)
	if err != nil {
		s.logger.Warn("config reload failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.defaults = config.Defaults
	s.mu.Unlock()

	s.logger.Info("generation defaults reloaded",
		zap.String("system_prompt_preview", preview(config.Defaults.SystemPrompt, 60)),
		zap.String("reasoning_effort", config.Defaults.ReasoningEffort),
	)
}

// preview truncates on runes so a multibyte character is never split
// mid-sequence.
func preview(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
