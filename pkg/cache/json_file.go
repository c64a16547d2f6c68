package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var ErrNotFound = errors.New("cache file not found")

func LoadJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read cache file: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode cache file: %w", err)
	}
	return nil
}

func SaveJSON(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir cache dir: %w", err)
	}
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create cache temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write cache temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close cache temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod cache temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// PersistentTTLMap is a TTLMap mirrored to a JSON file on every write.
// An empty path keeps the map in memory only.
type PersistentTTLMap[V any] struct {
	*TTLMap[string, V]
	path   string
	saveMu sync.Mutex
}

func OpenPersistentTTLMap[V any](path string) (*PersistentTTLMap[V], error) {
	p := &PersistentTTLMap[V]{TTLMap: NewTTLMap[string, V](), path: path}
	if path == "" {
		return p, nil
	}
	var entries map[string]Entry[V]
	if err := LoadJSON(path, &entries); err != nil {
		if errors.Is(err, ErrNotFound) {
			return p, nil
		}
		return p, err
	}
	p.Restore(entries)
	return p, nil
}

func (p *PersistentTTLMap[V]) Put(key string, value V, expiresAt time.Time) error {
	p.SetWithExpiry(key, value, expiresAt)
	return p.Flush()
}

func (p *PersistentTTLMap[V]) Forget(key string) error {
	p.Delete(key)
	return p.Flush()
}

func (p *PersistentTTLMap[V]) Flush() error {
	if p.path == "" {
		return nil
	}
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	return SaveJSON(p.path, p.Entries())
}
