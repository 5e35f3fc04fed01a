// Package selector resolves the process trading mode and hands out one
// trading.Service per (user, broker), constructing each lazily and at most
// once.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/trading"
)

// ErrInvalidMode is returned when the configured mode is neither live nor
// paper.
var ErrInvalidMode = errors.New("selector: invalid trading mode")

// Mode is the process-wide trading mode.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
)

// ParseMode accepts "live" or "paper", case-insensitive and trimmed. An
// empty value means live.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "":
		return ModeLive, nil
	case ModeLive, ModePaper:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q, must be 'live' or 'paper'", ErrInvalidMode, raw)
}

// EnvMode returns a ModeFunc reading the environment variable key on every
// call, so a changed value takes effect after ClearCache.
func EnvMode(key string) ModeFunc {
	return func() string { return os.Getenv(key) }
}

// ModeFunc yields the raw configured mode.
type ModeFunc func() string

// Constructor builds a service for one user and broker.
type Constructor func(ctx context.Context, userID, broker string) (trading.Service, error)

// Selector caches services keyed by "{user}_{broker}".
type Selector struct {
	mode  ModeFunc
	paper Constructor
	live  Constructor

	mu       sync.RWMutex
	services map[string]trading.Service
}

// New creates a Selector.
func New(mode ModeFunc, paper, live Constructor) *Selector {
	return &Selector{
		mode:     mode,
		paper:    paper,
		live:     live,
		services: make(map[string]trading.Service),
	}
}

func cacheKey(userID, broker string) string {
	return userID + "_" + broker
}

// GetService returns the cached service for the pair or builds one for the
// current mode. Concurrent callers for the same pair receive the same
// instance. An invalid mode fails here and nothing is cached.
func (s *Selector) GetService(ctx context.Context, userID, broker string) (trading.Service, error) {
	key := cacheKey(userID, broker)

	s.mu.RLock()
	svc, ok := s.services[key]
	s.mu.RUnlock()
	if ok {
		return svc, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[key]; ok {
		return svc, nil
	}

	mode, err := ParseMode(s.mode())
	if err != nil {
		return nil, err
	}
	ctor := s.live
	if mode == ModePaper {
		ctor = s.paper
	}
	svc, err = ctor(ctx, userID, broker)
	if err != nil {
		return nil, fmt.Errorf("create %s service for %s: %w", mode, key, err)
	}
	s.services[key] = svc
	metrics.CachedServices.Set(float64(len(s.services)))

	slog.Info("trading service created", "mode", mode, "user_id", userID, "broker", broker)
	return svc, nil
}

// ClearCache drops every cached service.
func (s *Selector) ClearCache() {
	s.mu.Lock()
	s.services = make(map[string]trading.Service)
	s.mu.Unlock()
	metrics.CachedServices.Set(0)
	slog.Info("trading service cache cleared")
}

// ServiceCount returns the number of cached services.
func (s *Selector) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

// CachedServices maps each cache key to the type of its service.
func (s *Selector) CachedServices() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.services))
	for k, svc := range s.services {
		out[k] = strings.TrimPrefix(fmt.Sprintf("%T", svc), "*")
	}
	return out
}

// Keys lists cache keys in sorted order.
func (s *Selector) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.services))
	for k := range s.services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CurrentMode returns the configured mode, or live when it is invalid.
func (s *Selector) CurrentMode() Mode {
	m, err := ParseMode(s.mode())
	if err != nil {
		return ModeLive
	}
	return m
}

// IsPaper reports whether the current mode is paper.
func (s *Selector) IsPaper() bool { return s.CurrentMode() == ModePaper }

// IsLive reports whether the current mode is live.
func (s *Selector) IsLive() bool { return s.CurrentMode() == ModeLive }
