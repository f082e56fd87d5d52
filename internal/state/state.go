// Package state keeps typed values in memory and writes them through to a
// store.Store. A failed write is reported but never loses the in-memory value.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/devdock/internal/store"
)

// ErrPersistence wraps store write failures. The in-memory value was updated
// regardless.
var ErrPersistence = errors.New("state: persistence failure")

// Keys of the persisted cells.
const (
	KeySettings  = "settings"
	KeyOverrides = "overrides"
	KeyNotes     = "notes"
	KeyGroups    = "groups"
	KeySession   = "session"
)

// Cell is one JSON value stored under a single key.
type Cell[T any] struct {
	st  store.Store
	key string
	log *slog.Logger

	mu  sync.Mutex
	raw []byte
}

// Load reads key from st, falling back to def when the key is missing or
// unreadable. A read failure is returned wrapped in ErrPersistence together
// with a usable cell.
func Load[T any](ctx context.Context, st store.Store, key string, def T, log *slog.Logger) (*Cell[T], error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Cell[T]{st: st, key: key, log: log}
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode default %s: %w", key, err)
	}
	c.raw = raw

	b, err := st.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c, nil
	case err != nil:
		log.Warn("state read failed, using defaults", "key", key, "err", err)
		return c, fmt.Errorf("%w: read %s: %v", ErrPersistence, key, err)
	}
	// decode over the default so fields missing on disk keep their defaults
	v := def
	if err := json.Unmarshal(b, &v); err != nil {
		log.Warn("state value unreadable, using defaults", "key", key, "err", err)
		return c, nil
	}
	if raw, err = json.Marshal(v); err == nil {
		c.raw = raw
	}
	return c, nil
}

func (c *Cell[T]) Key() string { return c.key }

// Get returns a private copy of the current value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decodeLocked()
}

func (c *Cell[T]) decodeLocked() T {
	var v T
	_ = json.Unmarshal(c.raw, &v)
	return v
}

// Update applies fn to a copy of the value, keeps the result in memory and
// writes it through. The new value is returned even when the write fails.
func (c *Cell[T]) Update(ctx context.Context, fn func(*T)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.decodeLocked()
	fn(&v)
	return v, c.storeLocked(ctx, v)
}

// Set replaces the value.
func (c *Cell[T]) Set(ctx context.Context, v T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeLocked(ctx, v)
}

func (c *Cell[T]) storeLocked(ctx context.Context, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.key, err)
	}
	c.raw = raw
	if err := c.st.Set(ctx, c.key, raw); err != nil {
		c.log.Error("state write failed, keeping in-memory value", "key", c.key, "err", err)
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, c.key, err)
	}
	return nil
}

// Settings are the tunable loop intervals, in milliseconds.
type Settings struct {
	HealthCheckInterval     int64 `json:"healthCheckInterval"`
	ResourceMonitorInterval int64 `json:"resourceMonitorInterval"`
	PortScanInterval        int64 `json:"portScanInterval"`
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (s Settings) Health() time.Duration   { return ms(s.HealthCheckInterval) }
func (s Settings) Resource() time.Duration { return ms(s.ResourceMonitorInterval) }
func (s Settings) Ports() time.Duration    { return ms(s.PortScanInterval) }

// Merge overwrites every positive field of patch into s.
func (s Settings) Merge(patch Settings) Settings {
	if patch.HealthCheckInterval > 0 {
		s.HealthCheckInterval = patch.HealthCheckInterval
	}
	if patch.ResourceMonitorInterval > 0 {
		s.ResourceMonitorInterval = patch.ResourceMonitorInterval
	}
	if patch.PortScanInterval > 0 {
		s.PortScanInterval = patch.PortScanInterval
	}
	return s
}

// SettingsFrom expresses intervals as Settings.
func SettingsFrom(health, resource, ports time.Duration) Settings {
	return Settings{
		HealthCheckInterval:     health.Milliseconds(),
		ResourceMonitorInterval: resource.Milliseconds(),
		PortScanInterval:        ports.Milliseconds(),
	}
}

// Override is per-project data set at runtime on top of the catalog.
type Override struct {
	HealthEndpoint string `json:"healthEndpoint,omitempty"`
	Group          string `json:"group,omitempty"`
}

// Overrides are keyed by project id.
type Overrides map[string]Override

// Notes are free text keyed by project id.
type Notes map[string]string
