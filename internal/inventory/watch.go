package inventory

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// CatalogSource hands out the current catalog; it is safe for concurrent use.
type CatalogSource struct {
	mu      sync.RWMutex
	current *Catalog
}

func NewCatalogSource(c *Catalog) *CatalogSource {
	if c == nil {
		c = AutoPartsCatalog()
	}
	return &CatalogSource{current: c}
}

func (s *CatalogSource) Current() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *CatalogSource) Set(c *Catalog) {
	if c == nil {
		return
	}
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
}

// WatchFile reloads the catalog whenever path is written or replaced. A file
// that fails to parse leaves the previous catalog in place. It blocks until
// ctx is done.
func (s *CatalogSource) WatchFile(ctx context.Context, path string, logger *zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(100 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			c, err := LoadCatalogFile(path)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("catalog reload failed; keeping previous catalog")
				continue
			}
			s.Set(c)
			logger.Info().Str("catalog", c.Name).Int("categories", len(c.Categories)).Msg("catalog reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("catalog watcher error")
		}
	}
}
