// Package file implements store.Store as a single JSON document on disk.
// Every write replaces the document through a temporary file and rename.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/devdock/internal/store"
)

// DB keeps the document in memory and rewrites it on every change. Values
// must be valid JSON so the file stays readable.
type DB struct {
	path string

	mu     sync.Mutex
	data   map[string]json.RawMessage
	loaded bool
}

// New returns a store backed by path. A leading "~/" is expanded to the
// user's home directory. Nothing is read until first use.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty file path")
	}
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", p, err)
		}
		p = filepath.Join(home, p[2:])
	}
	return &DB{path: p}, nil
}

func (d *DB) Path() string { return d.path }

func (d *DB) EnsureSchema(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadLocked()
}

func (d *DB) loadLocked() error {
	if d.loaded {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data := make(map[string]json.RawMessage)
	b, err := os.ReadFile(d.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read %s: %w", d.path, err)
	case len(strings.TrimSpace(string(b))) > 0:
		if err := json.Unmarshal(b, &data); err != nil {
			return fmt.Errorf("decode %s: %w", d.path, err)
		}
	}
	d.data = data
	d.loaded = true
	return nil
}

func (d *DB) Get(_ context.Context, key string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadLocked(); err != nil {
		return nil, err
	}
	v, ok := d.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (d *DB) Set(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %q is not valid JSON", key)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadLocked(); err != nil {
		return err
	}
	prev, had := d.data[key]
	d.data[key] = append(json.RawMessage(nil), value...)
	if err := d.flushLocked(); err != nil {
		if had {
			d.data[key] = prev
		} else {
			delete(d.data, key)
		}
		return err
	}
	return nil
}

func (d *DB) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadLocked(); err != nil {
		return err
	}
	prev, had := d.data[key]
	if !had {
		return nil
	}
	delete(d.data, key)
	if err := d.flushLocked(); err != nil {
		d.data[key] = prev
		return err
	}
	return nil
}

func (d *DB) Keys(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadLocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *DB) Close() error { return nil }

func (d *DB) flushLocked() error {
	b, err := json.MarshalIndent(d.data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.path), "."+filepath.Base(d.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	cleanup := func() { _ = os.Remove(name) }
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(name, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(name, d.path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", d.path, err)
	}
	return nil
}
