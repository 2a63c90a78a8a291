package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const personaDebounce = 150 * time.Millisecond

// LoadPersona reads the persona file and stores its trimmed contents.
func (s *Store) LoadPersona(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read persona: %w", err)
	}
	s.SetPersona(strings.TrimSpace(string(data)))
	return nil
}

// WatchPersona loads the persona file and reloads it whenever it
// changes, until ctx is cancelled. The parent directory is watched so
// editors that replace the file on save are handled.
func (s *Store) WatchPersona(ctx context.Context, path string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if err := s.LoadPersona(abs); err != nil {
		return err
	}
	s.logger.Info("watching persona file", "path", abs)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(personaDebounce)
			} else {
				timer.Reset(personaDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			if err := s.LoadPersona(abs); err != nil {
				s.logger.Warn("persona reload failed", "path", abs, "error", err)
				continue
			}
			s.logger.Info("persona reloaded", "path", abs)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("persona watcher error", "error", err)
		}
	}
}
