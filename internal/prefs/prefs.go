// Package prefs persists per-tenant presentation preferences.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentworkforce/partsync/internal/errx"
)

const ViewModeKey = "partsync:view-mode"

var ErrInvalidViewMode = errors.New("invalid view mode")

type ViewMode string

const (
	ViewGrid ViewMode = "grid"
	ViewList ViewMode = "list"
)

// DefaultViewMode is returned when nothing has been stored.
const DefaultViewMode = ViewGrid

func ParseViewMode(raw string) (ViewMode, error) {
	switch ViewMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ViewGrid:
		return ViewGrid, nil
	case ViewList:
		return ViewList, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidViewMode, raw)
	}
}

type Store interface {
	ViewMode(ctx context.Context, tenantID string) (ViewMode, error)
	SetViewMode(ctx context.Context, tenantID string, mode ViewMode) error
}

func key(tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ViewModeKey
	}
	return ViewModeKey + ":" + tenantID
}

type MemoryStore struct {
	mu    sync.RWMutex
	modes map[string]ViewMode
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{modes: map[string]ViewMode{}}
}

func (s *MemoryStore) ViewMode(_ context.Context, tenantID string) (ViewMode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if mode, ok := s.modes[key(tenantID)]; ok {
		return mode, nil
	}
	return DefaultViewMode, nil
}

func (s *MemoryStore) SetViewMode(_ context.Context, tenantID string, mode ViewMode) error {
	mode, err := ParseViewMode(string(mode))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[key(tenantID)] = mode
	return nil
}

type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisStore stores preferences in rdb. A zero ttl keeps them forever.
func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) ViewMode(ctx context.Context, tenantID string) (ViewMode, error) {
	raw, err := s.rdb.Get(ctx, key(tenantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return DefaultViewMode, nil
		}
		return "", errx.Upstream(fmt.Errorf("load view mode: %w", err))
	}
	mode, err := ParseViewMode(raw)
	if err != nil {
		// A corrupt value falls back instead of breaking the view.
		return DefaultViewMode, nil
	}
	return mode, nil
}

func (s *RedisStore) SetViewMode(ctx context.Context, tenantID string, mode ViewMode) error {
	mode, err := ParseViewMode(string(mode))
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, key(tenantID), string(mode), s.ttl).Err(); err != nil {
		return errx.Upstream(fmt.Errorf("store view mode: %w", err))
	}
	return nil
}

type RedisConfig struct {
	URL          string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

// NewRedisClient parses cfg.URL and pings the server before returning.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
